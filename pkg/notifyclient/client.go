// Package notifyclient consumes the notification stream over SSE and falls
// back to polling when the stream is unavailable. Events are deduplicated by
// id, so a notification seen on both transports is delivered once.
package notifyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Method string

const (
	MethodNone    Method = "none"
	MethodSSE     Method = "sse"
	MethodPolling Method = "polling"
)

// Event is a notification delivered by either transport.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Via       Method          `json:"-"`
}

type Notification struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Payload  struct {
		Title     string         `json:"title"`
		Body      string         `json:"body"`
		ActionURL string         `json:"actionUrl"`
		Data      map[string]any `json:"data"`
	} `json:"payload"`
	CreatedAt time.Time  `json:"createdAt"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt"`
}

func (e Event) Notification() (Notification, error) {
	var n Notification
	err := json.Unmarshal(e.Data, &n)
	return n, err
}

type Options struct {
	BaseURL string
	Tokens  TokenSource
	HTTP    *http.Client

	PollInterval     time.Duration
	PollMaxInterval  time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DedupSize        int
	Buffer           int

	// DisableSSE forces polling, for environments without streaming.
	DisableSSE bool

	// OnMethodChange is called from the client's goroutine.
	OnMethodChange func(Method)
	Logger         *slog.Logger
	Now            func() time.Time
}

type Client struct {
	opts   Options
	base   string
	events chan Event
	seen   *seenSet
	method atomic.Value
	unread atomic.Int64

	mu    sync.Mutex
	token Token
	// cursor is the newest createdAt seen in a poll response. Pushed events
	// never move it, so a lost push is still picked up by the next poll.
	cursor time.Time
	// connects counts opened streams; only the run goroutine touches it.
	connects int

	life    sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var errUnauthorized = errors.New("connection token rejected")

func New(o Options) (*Client, error) {
	if o.BaseURL == "" {
		return nil, errors.New("notifyclient: BaseURL is required")
	}
	if o.Tokens == nil {
		return nil, errors.New("notifyclient: Tokens is required")
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PollMaxInterval < o.PollInterval {
		o.PollMaxInterval = 12 * o.PollInterval
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = time.Second
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = 30 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	c := &Client{
		opts:   o,
		base:   strings.TrimRight(o.BaseURL, "/"),
		events: make(chan Event, o.Buffer),
		seen:   newSeenSet(o.DedupSize),
	}
	c.method.Store(MethodNone)
	return c, nil
}

// Events is closed after Close returns.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Method() Method { return c.method.Load().(Method) }

// UnreadCount is the last count reported by a poll.
func (c *Client) UnreadCount() int64 { return c.unread.Load() }

func (c *Client) setMethod(m Method) {
	if c.method.Swap(m) != m && c.opts.OnMethodChange != nil {
		c.opts.OnMethodChange(m)
	}
}

// Start runs the transport loop until Close or ctx is done. It does nothing
// when the client is already running or closed.
func (c *Client) Start(ctx context.Context) {
	c.life.Lock()
	defer c.life.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Close stops every goroutine and timer, closes the open stream and then
// the Events channel. It is safe to call more than once.
func (c *Client) Close() error {
	c.life.Lock()
	if c.closed {
		c.life.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.life.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	close(c.events)
	c.setMethod(MethodNone)
	return nil
}

func (c *Client) newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) run(ctx context.Context) {
	if c.opts.DisableSSE {
		c.setMethod(MethodPolling)
		c.pollUntil(ctx, nil)
		return
	}

	reconnect := c.newReconnectBackoff()
	for ctx.Err() == nil {
		opened, err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			reconnect.Reset()
		}
		if errors.Is(err, errUnauthorized) {
			c.mu.Lock()
			c.token = Token{}
			c.mu.Unlock()
		}
		c.opts.Logger.Warn("notification stream unavailable, polling", slog.Any("error", err))

		c.setMethod(MethodPolling)
		wait := time.NewTimer(reconnect.NextBackOff())
		c.pollUntil(ctx, wait.C)
		wait.Stop()
	}
}

// ensureToken returns a usable token, refreshing it past refreshAfter.
func (c *Client) ensureToken(ctx context.Context) (Token, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	var err error
	switch {
	case !tok.Valid():
		tok, err = c.opts.Tokens.Token(ctx)
	case tok.NeedsRefresh(c.opts.Now()):
		var fresh Token
		fresh, err = c.opts.Tokens.Refresh(ctx, tok)
		if err != nil {
			c.opts.Logger.Warn("token refresh failed, requesting a new token", slog.Any("error", err))
			fresh, err = c.opts.Tokens.Token(ctx)
		}
		tok = fresh
	}
	if err != nil {
		return Token{}, fmt.Errorf("connection token: %w", err)
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

// stream holds one SSE connection until it ends. opened reports whether the
// server confirmed the connection.
func (c *Client) stream(ctx context.Context) (opened bool, err error) {
	tok, err := c.ensureToken(ctx)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/realtime/stream", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return false, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return false, fmt.Errorf("unexpected content type %q", ct)
	}

	rd := newSSEReader(resp.Body)
	var connID string
	for {
		raw, err := rd.Next()
		if err != nil {
			return opened, fmt.Errorf("stream read: %w", err)
		}
		switch raw.Event {
		case "connected":
			var f struct {
				Data struct {
					ConnectionID string `json:"connectionId"`
				} `json:"data"`
			}
			_ = json.Unmarshal([]byte(raw.Data), &f)
			connID = f.Data.ConnectionID
			opened = true
			c.setMethod(MethodSSE)
			// catch up on anything published while disconnected
			c.connects++
			if c.connects > 1 || !c.cursorTime().IsZero() {
				if err := c.poll(ctx); err != nil {
					c.opts.Logger.Debug("catch-up poll failed", slog.Any("error", err))
				}
			}
		case "notification":
			var ev Event
			if err := json.Unmarshal([]byte(raw.Data), &ev); err != nil {
				c.opts.Logger.Warn("bad notification frame", slog.Any("error", err))
				continue
			}
			if ev.ID == "" {
				ev.ID = raw.ID
			}
			ev.Via = MethodSSE
			if !c.emit(ctx, ev) {
				return opened, ctx.Err()
			}
		case "heartbeat":
			if connID != "" {
				c.ack(ctx, tok, connID)
			}
		}
	}
}

func (c *Client) ack(ctx context.Context, tok Token, connID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.base+"/realtime/connections/"+url.PathEscape(connID)+"/ack", nil)
		if err != nil {
			return
		}
		req.Header.Set("Authorization", "Bearer "+tok.Token)
		resp, err := c.opts.HTTP.Do(req)
		if err != nil {
			c.opts.Logger.Debug("heartbeat ack failed", slog.Any("error", err))
			return
		}
		resp.Body.Close()
	}()
}

func (c *Client) cursorTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// emit delivers ev unless it was seen before. It returns false when the
// client is shutting down.
func (c *Client) emit(ctx context.Context, ev Event) bool {
	if ev.ID == "" || !c.seen.Add(ev.ID) {
		return true
	}
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pollUntil polls at the configured interval until until fires or ctx is
// done. Failures back off with jitter, doubling up to PollMaxInterval.
func (c *Client) pollUntil(ctx context.Context, until <-chan time.Time) {
	fail := backoff.NewExponentialBackOff()
	fail.InitialInterval = c.opts.PollInterval
	fail.MaxInterval = c.opts.PollMaxInterval
	fail.MaxElapsedTime = 0
	fail.Reset()

	for {
		wait := c.opts.PollInterval
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			var se *StatusError
			if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
				c.mu.Lock()
				c.token = Token{}
				c.mu.Unlock()
			}
			wait = fail.NextBackOff()
			c.opts.Logger.Warn("poll failed", slog.Duration("retryIn", wait), slog.Any("error", err))
		} else {
			fail.Reset()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-until:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) poll(ctx context.Context) error {
	tok, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	u := c.base + "/realtime/poll"
	if since := c.cursorTime(); !since.IsZero() {
		u += "?since=" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var body struct {
		Notifications []json.RawMessage `json:"notifications"`
		UnreadCount   int64             `json:"unreadCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode poll: %w", err)
	}
	c.unread.Store(body.UnreadCount)
	for _, raw := range body.Notifications {
		var head struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"createdAt"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		c.mu.Lock()
		if head.CreatedAt.After(c.cursor) {
			c.cursor = head.CreatedAt
		}
		c.mu.Unlock()
		ev := Event{ID: head.ID, Type: "notification", Data: raw, Timestamp: head.CreatedAt, Via: MethodPolling}
		if !c.emit(ctx, ev) {
			return ctx.Err()
		}
	}
	return nil
}
