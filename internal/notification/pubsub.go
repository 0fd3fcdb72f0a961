package notification

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const ackChannel = "notif:pubsub:acks"

func userChannel(userID string) string { return "notif:pubsub:user:" + userID }

// Stream multiplexes this instance's per-user subscriptions over a single
// Redis pub/sub connection. Users are subscribed while at least one local
// connection holds a Join handle.
type Stream struct {
	rdb *redis.Client
	ps  *redis.PubSub

	mu   sync.Mutex
	refs map[string]int

	notes   chan Notification
	acks    chan Ack
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewStream(ctx context.Context, rdb *redis.Client, buffer int) (*Stream, error) {
	if buffer <= 0 {
		buffer = 1024
	}
	ps := rdb.Subscribe(ctx, ackChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, storeErr("subscribe", err)
	}
	s := &Stream{
		rdb:   rdb,
		ps:    ps,
		refs:  map[string]int{},
		notes: make(chan Notification, buffer),
		acks:  make(chan Ack, buffer),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// loop never blocks the Redis reader; a full buffer drops the message.
func (s *Stream) loop() {
	defer close(s.done)
	defer close(s.notes)
	defer close(s.acks)

	for msg := range s.ps.Channel() {
		if msg.Channel == ackChannel {
			var a Ack
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				slog.Warn("bad ack message", slog.Any("error", err))
				continue
			}
			select {
			case s.acks <- a:
			default:
				s.dropped.Add(1)
			}
			continue
		}
		var n Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			slog.Warn("bad notification message", slog.String("channel", msg.Channel), slog.Any("error", err))
			continue
		}
		select {
		case s.notes <- n:
		default:
			s.dropped.Add(1)
			slog.Warn("pubsub buffer full, dropping notification",
				slog.String("notificationId", n.ID), slog.String("userId", n.UserID))
		}
	}
}

func (s *Stream) Publish(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, userChannel(n.UserID), b).Err(); err != nil {
		return storeErr("publish", err)
	}
	return nil
}

func (s *Stream) PublishAck(ctx context.Context, a Ack) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, ackChannel, b).Err(); err != nil {
		return storeErr("publish ack", err)
	}
	return nil
}

type subscription struct {
	once    sync.Once
	release func()
}

func (s *subscription) Close() error {
	s.once.Do(s.release)
	return nil
}

// Join subscribes this instance to userID's channel. The returned handle
// releases the reference; the last release unsubscribes.
func (s *Stream) Join(ctx context.Context, userID string) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[userID]++
	if s.refs[userID] == 1 {
		if err := s.ps.Subscribe(ctx, userChannel(userID)); err != nil {
			delete(s.refs, userID)
			return nil, storeErr("subscribe", err)
		}
	}
	return &subscription{release: func() { s.leave(userID) }}, nil
}

func (s *Stream) leave(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[userID] == 0 {
		return
	}
	s.refs[userID]--
	if s.refs[userID] > 0 {
		return
	}
	delete(s.refs, userID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.ps.Unsubscribe(ctx, userChannel(userID)); err != nil {
		slog.Warn("unsubscribe failed", slog.String("userId", userID), slog.Any("error", err))
	}
}

// Subscribed reports how many local handles hold userID.
func (s *Stream) Subscribed(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[userID]
}

func (s *Stream) Notifications() <-chan Notification { return s.notes }
func (s *Stream) Acks() <-chan Ack                   { return s.acks }
func (s *Stream) Dropped() int64                     { return s.dropped.Load() }

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}
