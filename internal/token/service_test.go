package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notification-hub/internal/shared/httpx"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(c *clock) *Service {
	return NewService("test-secret", WithClock(c.Now))
}

func TestIssueAndVerify(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newTestService(c)

	tok, err := s.Issue("u1", MetadataFor(RoleManager, "b7"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != time.Hour {
		t.Fatalf("ttl = %v, want 1h", got)
	}
	if got := tok.RefreshAfter.Sub(tok.IssuedAt); got != 45*time.Minute {
		t.Fatalf("refreshAfter = %v, want 45m", got)
	}

	claims, err := s.Verify(context.Background(), tok.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID() != "u1" || claims.JTI() != tok.JTI {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Metadata.Role != RoleManager || claims.Metadata.BranchID != "b7" {
		t.Fatalf("metadata = %+v", claims.Metadata)
	}
	if len(claims.Metadata.Permissions) == 0 {
		t.Fatal("expected permission snapshot")
	}
}

func TestVerifyExpired(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newTestService(c)
	tok, err := s.Issue("u1", MetadataFor(RoleUser, ""))
	if err != nil {
		t.Fatal(err)
	}

	c.Advance(3601 * time.Second)
	_, err = s.Verify(context.Background(), tok.Token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if !errors.Is(err, ErrAuth) {
		t.Fatal("expired must be an auth error")
	}
}

func TestVerifyRejectsTampered(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newTestService(c)
	tok, _ := s.Issue("u1", MetadataFor(RoleUser, ""))

	other := NewService("another-secret", WithClock(c.Now))
	if _, err := other.Verify(context.Background(), tok.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("foreign secret: err = %v", err)
	}
	if _, err := s.Verify(context.Background(), tok.Token+"x"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("tampered: err = %v", err)
	}
	if _, err := s.Verify(context.Background(), ""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("empty: err = %v", err)
	}
}

func TestRefresh(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newTestService(c)
	old, _ := s.Issue("u1", MetadataFor(RoleUser, ""))

	c.Advance(3000 * time.Second)
	fresh, err := s.Refresh(context.Background(), "u1", MetadataFor(RoleUser, ""), old.Token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if fresh.JTI == old.JTI {
		t.Fatal("refresh must issue a new jti")
	}
	if got := fresh.ExpiresAt.Sub(c.Now()); got != time.Hour {
		t.Fatalf("new window = %v, want 1h from refresh", got)
	}

	// the old token stays valid until its own expiry
	if _, err := s.Verify(context.Background(), old.Token); err != nil {
		t.Fatalf("old token: %v", err)
	}
}

func TestRefreshMismatchAndExpired(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newTestService(c)
	old, _ := s.Issue("u1", MetadataFor(RoleUser, ""))

	if _, err := s.Refresh(context.Background(), "u2", MetadataFor(RoleUser, ""), old.Token); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("err = %v, want ErrTokenMismatch", err)
	}

	c.Advance(2 * time.Hour)
	if _, err := s.Refresh(context.Background(), "u1", MetadataFor(RoleUser, ""), old.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestPermissionsFor(t *testing.T) {
	admin := PermissionsFor(RoleAdmin)
	manager := PermissionsFor(RoleManager)
	if len(admin) <= len(manager) {
		t.Fatalf("admin should hold more permissions than manager")
	}
	for _, p := range manager {
		if p == "manage_users" || p == "delete_reports" {
			t.Fatalf("manager must not have %q", p)
		}
	}
	if len(PermissionsFor("ghost")) != 0 {
		t.Fatal("unknown role should have no permissions")
	}
	if MetadataFor("", "").Role != RoleUser {
		t.Fatal("empty role should default to user")
	}
}

func TestRefreshHandlerMapsMismatchTo403(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newTestService(c)
	h := NewHandler(s)
	old, _ := s.Issue("u1", MetadataFor(RoleUser, ""))

	body := strings.NewReader(`{"oldToken":"` + old.Token + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/realtime/token/refresh", body)
	req = req.WithContext(httpx.WithPrincipal(req.Context(), httpx.Principal{UserID: "u2", Role: "user", Via: "session"}))
	rec := httptest.NewRecorder()
	h.Wrap(h.Refresh).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body=%s", rec.Code, rec.Body.String())
	}
}

func TestIssueHandlerRequiresSession(t *testing.T) {
	s := NewService("test-secret")
	h := NewHandler(s)

	req := httptest.NewRequest(http.MethodPost, "/realtime/token", nil)
	req = req.WithContext(httpx.WithPrincipal(req.Context(), httpx.Principal{UserID: "u1", Via: "connection"}))
	rec := httptest.NewRecorder()
	h.Wrap(h.Issue).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/realtime/token", nil)
	req = req.WithContext(httpx.WithPrincipal(req.Context(), httpx.Principal{UserID: "u1", Role: "user", Via: "session"}))
	rec = httptest.NewRecorder()
	h.Wrap(h.Issue).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
