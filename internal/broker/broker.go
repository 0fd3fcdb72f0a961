package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notification-hub/internal/notification"
	"notification-hub/internal/token"
)

var (
	ErrTransport          = errors.New("transport error")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrBrokerClosed       = errors.New("broker closed")
	errIdle               = errors.New("no heartbeat acknowledgment")
)

type Verifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// Feed is the cross-instance fan-out the broker subscribes through.
type Feed interface {
	Join(ctx context.Context, userID string) (io.Closer, error)
	PublishAck(ctx context.Context, a notification.Ack) error
}

type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, id string, kind notification.EventKind, meta map[string]any) error
}

type Config struct {
	InstanceID          string
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	BufferSize          int
	Now                 func() time.Time
}

type Stats struct {
	Instance           string         `json:"instance"`
	OpenConnections    int            `json:"openConnections"`
	ConnectedUsers     int            `json:"connectedUsers"`
	ByInstance         map[string]int `json:"byInstance"`
	EventsPushedTotal  int64          `json:"eventsPushedTotal"`
	EventsDroppedTotal int64          `json:"eventsDroppedTotal"`
	ErrorsTotal        int64          `json:"errorsTotal"`
	IdleTimeoutsTotal  int64          `json:"idleTimeoutsTotal"`
	AcceptedTotal      int64          `json:"acceptedTotal"`
	RejectedTotal      int64          `json:"rejectedTotal"`
}

type Broker struct {
	cfg      Config
	tokens   Verifier
	feed     Feed
	recorder DeliveryRecorder
	reg      *Registry

	heartbeats atomic.Int64
	pushed     atomic.Int64
	dropped    atomic.Int64
	errors     atomic.Int64
	idle       atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
	closed     atomic.Bool
}

func New(cfg Config, tokens Verifier, feed Feed, recorder DeliveryRecorder) *Broker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broker{cfg: cfg, tokens: tokens, feed: feed, recorder: recorder, reg: NewRegistry()}
}

func (b *Broker) HeartbeatInterval() time.Duration { return b.cfg.HeartbeatInterval }

// Accept verifies the token, subscribes the user and registers an OPEN
// connection with a queued "connected" frame.
func (b *Broker) Accept(ctx context.Context, raw string) (*Conn, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	claims, err := b.tokens.Verify(ctx, raw)
	if err != nil {
		b.rejected.Add(1)
		return nil, err
	}

	now := b.cfg.Now().UTC()
	c := newConn(uuid.NewString(), claims.UserID(), claims.JTI(), b.cfg.InstanceID, now, claims.Expiry(), b.cfg.BufferSize)

	sub, err := b.feed.Join(ctx, c.userID)
	if err != nil {
		b.errors.Add(1)
		c.finish(StateError, err)
		return nil, fmt.Errorf("subscribe %s: %w", c.userID, err)
	}
	c.sub = sub
	b.reg.Add(c)
	if b.closed.Load() {
		b.end(c, StateError, ErrBrokerClosed)
		return nil, ErrBrokerClosed
	}
	c.transition(StateOpen, nil)
	b.accepted.Add(1)

	c.enqueue(Frame{
		ID:   c.id,
		Type: FrameConnected,
		Data: map[string]any{
			"connectionId":      c.id,
			"userId":            c.userID,
			"instance":          b.cfg.InstanceID,
			"heartbeatInterval": b.cfg.HeartbeatInterval.Milliseconds(),
			"tokenExpiresAt":    c.expiresAt,
		},
		Timestamp: now,
	})

	slog.Info("sse connection opened",
		slog.String("connectionId", c.id), slog.String("userId", c.userID), slog.String("instance", b.cfg.InstanceID))
	return c, nil
}

// Push queues a frame on one local connection.
func (b *Broker) Push(connID string, f Frame) error {
	c, ok := b.reg.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	b.push(c, f)
	return nil
}

func (b *Broker) push(c *Conn, f Frame) {
	accepted, dropped := c.enqueue(f)
	if dropped {
		b.dropped.Add(1)
		slog.Warn("sse buffer full, dropped oldest frame",
			slog.String("connectionId", c.id), slog.String("userId", c.userID))
	}
	if !accepted {
		b.dropped.Add(1)
	}
}

// OnRemoteEvent fans a published notification out to every local connection
// of its recipient and reports how many received it.
func (b *Broker) OnRemoteEvent(n notification.Notification) int {
	conns := b.reg.ForUser(n.UserID)
	if len(conns) == 0 {
		return 0
	}
	f := Frame{ID: n.ID, Type: FrameNotification, Data: n, Timestamp: n.CreatedAt}
	for _, c := range conns {
		b.push(c, f)
	}
	return len(conns)
}

// Delivered is reported by the connection writer after each frame. Only
// notification frames count towards eventsPushedTotal.
func (b *Broker) Delivered(c *Conn, f Frame, werr error) {
	if f.Type != FrameNotification {
		return
	}
	if werr == nil {
		b.pushed.Add(1)
	}
	if b.recorder == nil {
		return
	}
	kind := notification.EventSent
	meta := map[string]any{"connectionId": c.id, "instance": b.cfg.InstanceID}
	if werr != nil {
		kind = notification.EventFailed
		meta["error"] = werr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.recorder.RecordDelivery(ctx, f.ID, kind, meta); err != nil && !errors.Is(err, notification.ErrNotFound) {
		slog.Warn("record delivery failed", slog.String("notificationId", f.ID), slog.Any("error", err))
	}
}

// Fail tears a connection down after a transport error.
func (b *Broker) Fail(c *Conn, err error) {
	if b.end(c, StateError, err) {
		b.errors.Add(1)
		slog.Warn("sse connection failed",
			slog.String("connectionId", c.id), slog.String("userId", c.userID), slog.Any("error", err))
	}
}

// Disconnect handles the client going away.
func (b *Broker) Disconnect(c *Conn) {
	if b.end(c, StateClientClose, nil) {
		slog.Info("sse connection closed by client", slog.String("connectionId", c.id), slog.String("userId", c.userID))
	}
}

func (b *Broker) end(c *Conn, terminal State, reason error) bool {
	b.reg.Remove(c.id)
	return c.finish(terminal, reason)
}

// Ack records a heartbeat acknowledgment. Acks for connections held by other
// instances are relayed through the feed.
func (b *Broker) Ack(ctx context.Context, connID, userID string) (bool, error) {
	if c, ok := b.reg.Get(connID); ok {
		if c.userID != userID {
			return false, ErrConnectionNotFound
		}
		c.touch(b.cfg.Now().UTC())
		return true, nil
	}
	err := b.feed.PublishAck(ctx, notification.Ack{
		ConnectionID: connID,
		UserID:       userID,
		Origin:       b.cfg.InstanceID,
		At:           b.cfg.Now().UTC(),
	})
	return false, err
}

func (b *Broker) OnRemoteAck(a notification.Ack) {
	if a.Origin == b.cfg.InstanceID {
		return
	}
	if c, ok := b.reg.Get(a.ConnectionID); ok && c.userID == a.UserID {
		c.touch(a.At)
	}
}

// Heartbeat ends connections that missed too many acknowledgments or whose
// token expired, and queues a heartbeat frame on the rest.
func (b *Broker) Heartbeat() {
	now := b.cfg.Now().UTC()
	limit := b.cfg.HeartbeatInterval * time.Duration(b.cfg.MaxMissedHeartbeats)
	seq := strconv.FormatInt(b.heartbeats.Add(1), 10)

	for _, c := range b.reg.All() {
		if c.State() != StateOpen {
			continue
		}
		if !c.expiresAt.IsZero() && !now.Before(c.expiresAt) {
			b.Fail(c, token.ErrTokenExpired)
			continue
		}
		if now.Sub(c.idleSince()) > limit {
			if b.end(c, StateIdleTimeout, errIdle) {
				b.idle.Add(1)
				slog.Info("sse connection idle timeout",
					slog.String("connectionId", c.id), slog.String("userId", c.userID))
			}
			continue
		}
		b.push(c, Frame{
			ID:        "hb-" + seq,
			Type:      FrameHeartbeat,
			Data:      map[string]any{"connectionId": c.id},
			Timestamp: now,
		})
	}
}

// Run feeds published notifications and acks into local connections and
// drives heartbeats until ctx is done or the feed closes.
func (b *Broker) Run(ctx context.Context, notes <-chan notification.Notification, acks <-chan notification.Ack) error {
	t := time.NewTicker(b.cfg.HeartbeatInterval)
	defer t.Stop()
	defer b.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return ErrBrokerClosed
			}
			b.OnRemoteEvent(n)
		case a, ok := <-acks:
			if !ok {
				acks = nil
				continue
			}
			b.OnRemoteAck(a)
		case <-t.C:
			b.Heartbeat()
		}
	}
}

// Shutdown stops accepting connections and ends every open one.
func (b *Broker) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	conns := b.reg.All()
	for _, c := range conns {
		b.end(c, StateError, ErrBrokerClosed)
	}
	slog.Info("broker shut down", slog.Int("connections", len(conns)))
}

func (b *Broker) Stats() Stats {
	open := b.reg.Len()
	return Stats{
		Instance:           b.cfg.InstanceID,
		OpenConnections:    open,
		ConnectedUsers:     b.reg.Users(),
		ByInstance:         map[string]int{b.cfg.InstanceID: open},
		EventsPushedTotal:  b.pushed.Load(),
		EventsDroppedTotal: b.dropped.Load(),
		ErrorsTotal:        b.errors.Load(),
		IdleTimeoutsTotal:  b.idle.Load(),
		AcceptedTotal:      b.accepted.Load(),
		RejectedTotal:      b.rejected.Load(),
	}
}

func (b *Broker) Connections() []ConnectionRecord {
	conns := b.reg.All()
	out := make([]ConnectionRecord, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}
