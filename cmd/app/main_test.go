package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"notification-hub/internal/config"
	"notification-hub/internal/shared/jwt"
	"notification-hub/pkg/notifyclient"
)

type harness struct {
	app *app
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("TOKEN_SIGNING_SECRET", "signing-secret")
	t.Setenv("SESSION_JWT_SECRET", "session-secret")
	t.Setenv("SSE_HEARTBEAT_INTERVAL", "100ms")
	t.Setenv("METRICS_INTERVAL", "1s")
	t.Setenv("INSTANCE_ID", "test-1")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, rdb, prometheus.NewRegistry())
	if err != nil {
		cancel()
		t.Fatalf("app: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.broker.Run(ctx, a.stream.Notifications(), a.stream.Acks())
	}()

	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		a.broker.Shutdown()
		srv.Close()
		cancel()
		<-done
		_ = a.stream.Close()
	})
	return &harness{app: a, srv: srv}
}

func (h *harness) session(t *testing.T, uid, role string) string {
	t.Helper()
	tok, err := h.app.sessions.Make(jwt.Session{UserID: uid, Role: role}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (h *harness) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, h.srv.URL+path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEndToEndDelivery(t *testing.T) {
	h := newHarness(t)
	admin := h.session(t, "ops", "admin")

	c, err := notifyclient.New(notifyclient.Options{
		BaseURL: h.srv.URL,
		Tokens:  &notifyclient.HTTPTokenSource{BaseURL: h.srv.URL, Session: h.session(t, "u1", "user")},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for c.Method() != notifyclient.MethodSSE && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Method() != notifyclient.MethodSSE {
		t.Fatalf("method = %s", c.Method())
	}
	deadline = time.Now().Add(time.Second)
	for h.app.stream.Subscribed("u1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// SUBSCRIBE is acknowledged asynchronously
	time.Sleep(50 * time.Millisecond)

	resp := h.do(t, http.MethodPost, "/admin/notifications", admin, map[string]any{
		"userId": "u1", "type": "COMMENT_ADDED", "payload": map[string]any{"title": "hello"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	var ev notifyclient.Event
	select {
	case ev = <-c.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
	n, err := ev.Notification()
	if err != nil || n.Payload.Title != "hello" || ev.Via != notifyclient.MethodSSE {
		t.Fatalf("event = %+v (%v)", n, err)
	}

	ctx := context.Background()
	res, err := c.MarkRead(ctx, n.ID)
	if err != nil || res.Updated != 1 || res.UnreadCount != 0 {
		t.Fatalf("mark read = %+v, %v", res, err)
	}
	res, err = c.MarkRead(ctx, n.ID)
	if err != nil || res.Updated != 0 {
		t.Fatalf("second mark read = %+v, %v", res, err)
	}
}

func TestRouteGuards(t *testing.T) {
	h := newHarness(t)
	user := h.session(t, "u1", "user")

	resp := h.do(t, http.MethodGet, "/notifications", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "30" {
		t.Fatalf("anonymous limit header = %q", got)
	}

	resp = h.do(t, http.MethodPost, "/admin/notifications", user, map[string]any{"userId": "u2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPost, "/realtime/token", user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	var tok struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&tok)

	// connection tokens read notifications but cannot mint tokens
	if resp := h.do(t, http.MethodGet, "/notifications/unread-count", tok.Token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("unread with connection token = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodPost, "/realtime/token", tok.Token, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token with connection token = %d", resp.StatusCode)
	}

	if resp := h.do(t, http.MethodGet, "/realtime/stream?token=bogus", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stream with bad token = %d", resp.StatusCode)
	}
	if got := h.app.broker.Stats().RejectedTotal; got != 1 {
		t.Fatalf("rejected = %d", got)
	}

	if resp := h.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}
