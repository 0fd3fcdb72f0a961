package broker

import (
	"io"
	"sync"
	"time"
)

const (
	FrameConnected    = "connected"
	FrameNotification = "notification"
	FrameHeartbeat    = "heartbeat"
)

// Frame is one SSE event. Data is encoded as JSON.
type Frame struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionRecord is the introspection view of a local connection.
type ConnectionRecord struct {
	ConnectionID   string    `json:"connectionId"`
	UserID         string    `json:"userId"`
	TokenJTI       string    `json:"tokenJti"`
	Instance       string    `json:"instance"`
	Transport      string    `json:"transport"`
	State          State     `json:"state"`
	OpenedAt       time.Time `json:"openedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
	Queued         int       `json:"queued"`
	Dropped        int64     `json:"dropped"`
}

// Conn is a single SSE connection held by this instance. Frames are queued
// in a bounded buffer; the writer drains it when Ready fires.
type Conn struct {
	id        string
	userID    string
	jti       string
	instance  string
	openedAt  time.Time
	expiresAt time.Time

	mu           sync.Mutex
	state        State
	reason       error
	queue        []Frame
	capacity     int
	dropped      int64
	lastActivity time.Time
	sub          io.Closer

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, userID, jti, instance string, openedAt, expiresAt time.Time, capacity int) *Conn {
	if capacity <= 0 {
		capacity = 64
	}
	return &Conn{
		id:           id,
		userID:       userID,
		jti:          jti,
		instance:     instance,
		openedAt:     openedAt,
		expiresAt:    expiresAt,
		state:        StateConnecting,
		capacity:     capacity,
		lastActivity: openedAt,
		ready:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Ready fires after frames are queued.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed once the connection reaches CLOSED.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason is the error that ended the connection, if any.
func (c *Conn) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// enqueue never blocks. On overflow the oldest queued frame is dropped.
func (c *Conn) enqueue(f Frame) (accepted, dropped bool) {
	c.mu.Lock()
	if c.state != StateOpen && c.state != StateConnecting {
		c.mu.Unlock()
		return false, false
	}
	if len(c.queue) >= c.capacity {
		copy(c.queue, c.queue[1:])
		c.queue = c.queue[:len(c.queue)-1]
		c.dropped++
		dropped = true
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return true, dropped
}

// Drain takes every queued frame in publish order.
func (c *Conn) Drain() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *Conn) touch(t time.Time) {
	c.mu.Lock()
	if t.After(c.lastActivity) {
		c.lastActivity = t
	}
	c.mu.Unlock()
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) transition(to State, reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransition(to) {
		return false
	}
	c.state = to
	if reason != nil && c.reason == nil {
		c.reason = reason
	}
	return true
}

// finish moves the connection through terminal to CLOSED and releases its
// subscription. It returns false if the connection was already ending.
func (c *Conn) finish(terminal State, reason error) bool {
	if !c.transition(terminal, reason) {
		return false
	}
	c.transition(StateClosed, nil)
	c.closeOnce.Do(func() {
		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.queue = nil
		c.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		close(c.done)
	})
	return true
}

func (c *Conn) Record() ConnectionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionRecord{
		ConnectionID:   c.id,
		UserID:         c.userID,
		TokenJTI:       c.jti,
		Instance:       c.instance,
		Transport:      "SSE",
		State:          c.state,
		OpenedAt:       c.openedAt,
		LastActivityAt: c.lastActivity,
		TokenExpiresAt: c.expiresAt,
		Queued:         len(c.queue),
		Dropped:        c.dropped,
	}
}
