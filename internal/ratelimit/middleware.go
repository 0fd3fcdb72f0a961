package ratelimit

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"notification-hub/internal/shared/httpx"
)

// Policy is a limit applied to one identifier class.
type Policy struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Identifier prefers the authenticated user over the client address.
func Identifier(r *http.Request) (string, bool) {
	if p, ok := httpx.PrincipalFromCtx(r.Context()); ok {
		return "user:" + p.UserID, true
	}
	return "ip:" + httpx.ClientIP(r), false
}

func setHeaders(w http.ResponseWriter, res Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetSeconds, 10))
}

// LimitHTTP applies authed to requests carrying a principal and anon to the rest.
// Each policy counts in its own key space.
func (l *Limiter) LimitHTTP(authed, anon Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := Identifier(r)
		p := authed
		if !ok {
			p = anon
		}
		res, err := l.Check(r.Context(), p.Name+":"+id, p.Limit, p.Window)
		if err != nil {
			slog.Warn("rate limit check failed", slog.String("policy", p.Name), slog.Any("error", err))
			httpx.WriteError(w, http.StatusServiceUnavailable, errors.New("rate limiter unavailable"), "rate_limiter_unavailable")
			return
		}
		setHeaders(w, res)
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(max(res.ResetSeconds, 1), 10))
			httpx.WriteError(w, http.StatusTooManyRequests, &LimitError{Result: res}, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}
