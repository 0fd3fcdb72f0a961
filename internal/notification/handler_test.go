package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"notification-hub/internal/shared/httpx"
)

func serve(t *testing.T, h http.Handler, method, target, body, uid string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if uid != "" {
		req = req.WithContext(httpx.WithPrincipal(req.Context(), httpx.Principal{UserID: uid, Role: "user", Via: "connection"}))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newMux(f *fixture) *http.ServeMux {
	h := NewHandler(f.svc)
	mux := http.NewServeMux()
	mux.Handle("GET /realtime/poll", h.Wrap(h.Poll))
	mux.Handle("GET /notifications", h.Wrap(h.List))
	mux.Handle("POST /notifications/read", h.Wrap(h.MarkRead))
	mux.Handle("GET /notifications/{id}/events", h.Wrap(h.Events))
	mux.Handle("POST /notifications/{id}/events", h.Wrap(h.TrackEvent))
	mux.Handle("POST /admin/notifications/broadcast", h.Wrap(h.Broadcast))
	return mux
}

func TestPollHandler(t *testing.T) {
	f := newFixture(t, 0)
	mux := newMux(f)
	start := time.Now().Add(-time.Second)
	n, _ := f.svc.Create(context.Background(), input("u1", "a"))

	rec := serve(t, mux, http.MethodGet, "/realtime/poll?since="+strconv.FormatInt(start.UnixMilli(), 10), "", "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var resp struct {
		Notifications []Notification `json:"notifications"`
		UnreadCount   int64          `json:"unreadCount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Notifications) != 1 || resp.Notifications[0].ID != n.ID || resp.UnreadCount != 1 {
		t.Fatalf("resp = %+v", resp)
	}

	if rec := serve(t, mux, http.MethodGet, "/realtime/poll?since=yesterday", "", "u1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}
	if rec := serve(t, mux, http.MethodGet, "/realtime/poll", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous poll: %d", rec.Code)
	}
}

func TestListHandler(t *testing.T) {
	f := newFixture(t, 0)
	mux := newMux(f)
	ctx := context.Background()
	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		n, err := f.svc.Create(ctx, input("u1", title))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, n.ID)
		time.Sleep(2 * time.Millisecond)
	}
	other := input("u1", "d")
	other.Type = TypeCommentAdded
	if _, err := f.svc.Create(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.MarkRead(ctx, "u1", ids[0]); err != nil {
		t.Fatal(err)
	}

	list := func(query string) []Notification {
		t.Helper()
		rec := serve(t, mux, http.MethodGet, "/notifications"+query, "", "u1")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", query, rec.Code)
		}
		var resp struct {
			Notifications []Notification `json:"notifications"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		return resp.Notifications
	}

	if got := list("?limit=2"); len(got) != 2 || got[0].Payload.Title != "d" || got[1].Payload.Title != "c" {
		t.Fatalf("first page = %+v", got)
	}
	if got := list("?type=report_approved&unread=true"); len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Fatalf("filtered = %+v", got)
	}
	if got := list("?limit=2&offset=3"); len(got) != 1 || got[0].ID != ids[0] {
		t.Fatalf("last page = %+v", got)
	}
}

func TestMarkReadHandler(t *testing.T) {
	f := newFixture(t, 0)
	mux := newMux(f)
	ctx := context.Background()
	a, _ := f.svc.Create(ctx, input("u1", "a"))
	_, _ = f.svc.Create(ctx, input("u1", "b"))

	rec := serve(t, mux, http.MethodPost, "/notifications/read", `{"notificationId":"`+a.ID+`"}`, "u1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"updated":1`) {
		t.Fatalf("single: %d %s", rec.Code, rec.Body)
	}
	rec = serve(t, mux, http.MethodPost, "/notifications/read", `{"notificationId":"`+a.ID+`"}`, "u1")
	if !strings.Contains(rec.Body.String(), `"updated":0`) {
		t.Fatalf("repeat: %s", rec.Body)
	}
	rec = serve(t, mux, http.MethodPost, "/notifications/read", `{"notificationId":"`+a.ID+`"}`, "u2")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign: %d", rec.Code)
	}
	rec = serve(t, mux, http.MethodPost, "/notifications/read", `{"markAll":true}`, "u1")
	if !strings.Contains(rec.Body.String(), `"updated":1`) || !strings.Contains(rec.Body.String(), `"unreadCount":0`) {
		t.Fatalf("markAll: %s", rec.Body)
	}
	rec = serve(t, mux, http.MethodPost, "/notifications/read", `{}`, "u1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty: %d", rec.Code)
	}
}

func TestTrackEventHandler(t *testing.T) {
	f := newFixture(t, 0)
	mux := newMux(f)
	n, _ := f.svc.Create(context.Background(), input("u1", "a"))

	rec := serve(t, mux, http.MethodPost, "/notifications/"+n.ID+"/events", `{"event":"clicked"}`, "u1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("track: %d %s", rec.Code, rec.Body)
	}
	rec = serve(t, mux, http.MethodPost, "/notifications/"+n.ID+"/events", `{"event":"SENT"}`, "u1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("server-side event from client: %d", rec.Code)
	}
	rec = serve(t, mux, http.MethodGet, "/notifications/"+n.ID+"/events", "", "u2")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign events: %d", rec.Code)
	}
	rec = serve(t, mux, http.MethodGet, "/notifications/"+n.ID+"/events", "", "u1")
	if !strings.Contains(rec.Body.String(), `"CLICKED"`) {
		t.Fatalf("events: %s", rec.Body)
	}
}

func TestBroadcastHandler(t *testing.T) {
	f := newFixture(t, 0)
	mux := newMux(f)
	body := `{"userIds":["a","b","c"],"type":"SYSTEM_ANNOUNCEMENT","payload":{"title":"maintenance"}}`
	rec := serve(t, mux, http.MethodPost, "/admin/notifications/broadcast", body, "admin")
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"created":3`) {
		t.Fatalf("broadcast: %d %s", rec.Code, rec.Body)
	}
	for _, u := range []string{"a", "b", "c"} {
		if c, _ := f.svc.UnreadCount(context.Background(), u); c != 1 {
			t.Fatalf("user %s unread = %d", u, c)
		}
	}
	rec = serve(t, mux, http.MethodPost, "/admin/notifications/broadcast", `{"userIds":[],"type":"SYSTEM_ANNOUNCEMENT","payload":{"title":"x"}}`, "admin")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty broadcast: %d", rec.Code)
	}
}
