package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

var errGone = errors.New("gone")

func TestErrorMapper(t *testing.T) {
	m := NewErrorMapper().WithMapping(errGone, http.StatusNotFound, "not_found")
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{fmt.Errorf("lookup: %w", errGone), http.StatusNotFound, "not_found"},
		{NewError(http.StatusConflict, "dup", errGone), http.StatusConflict, "dup"},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, reason := m.Map(tt.err)
		if status != tt.status || reason != tt.reason {
			t.Errorf("Map(%v) = %d %s, want %d %s", tt.err, status, reason, tt.status, tt.reason)
		}
	}
}

func TestWrapHidesInternalErrors(t *testing.T) {
	h := Wrap(func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("dial tcp 10.0.0.1: refused")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}
	var body APIError
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Error != "internal server error" || body.Status != 500 {
		t.Fatalf("body = %+v", body)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if got := ClientIP(r); got != "192.0.2.1" {
		t.Fatalf("remote = %s", got)
	}
	r.Header.Set("X-Real-IP", "198.51.100.2")
	if got := ClientIP(r); got != "198.51.100.2" {
		t.Fatalf("real ip = %s", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Fatalf("forwarded = %s", got)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?token=q", nil)
	if got := ExtractToken(r, "token"); got != "q" {
		t.Fatalf("query = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := ExtractToken(r, "token"); got != "h" {
		t.Fatalf("header = %q", got)
	}
}

type staticAuth map[string]Principal

func (s staticAuth) Authenticate(_ context.Context, raw string) (Principal, error) {
	if p, ok := s[raw]; ok {
		return p, nil
	}
	return Principal{}, ErrUnauthorized
}

func TestAuthChain(t *testing.T) {
	sessions := staticAuth{"s1": {UserID: "u1", Role: "admin", Via: "session"}}
	conns := staticAuth{"c1": {UserID: "u2", Role: "user", Via: "connection"}}

	var seen Principal
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromCtx(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := AuthMiddleware(RequireAdmin(ok), sessions, conns)

	tests := []struct {
		name, auth string
		code       int
		reason     string
	}{
		{"missing", "", http.StatusUnauthorized, "missing_token"},
		{"invalid", "nope", http.StatusUnauthorized, "invalid_token"},
		{"not admin", "c1", http.StatusForbidden, "admin_required"},
		{"admin", "s1", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", "Bearer "+tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if tt.reason != "" {
				var body APIError
				_ = json.NewDecoder(rec.Body).Decode(&body)
				if body.Reason != tt.reason {
					t.Fatalf("reason = %q", body.Reason)
				}
			}
		})
	}
	if seen.UserID != "u1" || seen.Via != "session" {
		t.Fatalf("principal = %+v", seen)
	}
}

func TestAuthenticateLeavesAnonymous(t *testing.T) {
	var anon bool
	h := Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := PrincipalFromCtx(r.Context())
		anon = !ok
	}), staticAuth{})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?token=x", nil))
	if !anon {
		t.Fatal("expected anonymous request")
	}
}
