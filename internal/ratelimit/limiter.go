package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// ErrLimiterUnavailable is returned when the counter store cannot be reached.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

// Result describes one counted attempt.
type Result struct {
	Allowed      bool  `json:"allowed"`
	Count        int64 `json:"count"`
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	ResetSeconds int64 `json:"resetSeconds"`
}

// LimitError carries the rejected Result through an error return.
type LimitError struct {
	Result Result
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (count=%d, limit=%d, reset=%ds)", e.Result.Count, e.Result.Limit, e.Result.ResetSeconds)
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// The window expiry is set only when the counter is created. The PTTL guard
// repairs a counter that lost its expiry.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

type Limiter struct {
	rdb     redis.Scripter
	timeout time.Duration

	allowed atomic.Int64
	blocked atomic.Int64
	errors  atomic.Int64
}

func New(rdb redis.Scripter, timeout time.Duration) *Limiter {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Limiter{rdb: rdb, timeout: timeout}
}

func key(identifier string, window time.Duration) string {
	return "rl:" + identifier + ":" + strconv.FormatInt(int64(window/time.Second), 10)
}

// Check counts one attempt for identifier in the current window.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int64, window time.Duration) (Result, error) {
	if window < time.Second {
		window = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	vals, err := incrScript.Run(ctx, l.rdb, []string{key(identifier, window)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		l.errors.Add(1)
		return Result{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if len(vals) != 2 {
		l.errors.Add(1)
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrLimiterUnavailable, vals)
	}
	n, ttl := vals[0], vals[1]

	res := Result{
		Allowed:      n <= limit,
		Count:        n,
		Limit:        limit,
		Remaining:    max(limit-n, 0),
		ResetSeconds: (ttl + 999) / 1000,
	}
	if res.Allowed {
		l.allowed.Add(1)
	} else {
		l.blocked.Add(1)
	}
	return res, nil
}

// Allow is Check that reports a rejection as *LimitError.
func (l *Limiter) Allow(ctx context.Context, identifier string, limit int64, window time.Duration) (Result, error) {
	res, err := l.Check(ctx, identifier, limit, window)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, &LimitError{Result: res}
	}
	return res, nil
}

type Stats struct {
	AllowedTotal int64 `json:"allowedTotal"`
	BlockedTotal int64 `json:"blockedTotal"`
	ErrorsTotal  int64 `json:"errorsTotal"`
}

func (l *Limiter) Stats() Stats {
	return Stats{
		AllowedTotal: l.allowed.Load(),
		BlockedTotal: l.blocked.Load(),
		ErrorsTotal:  l.errors.Load(),
	}
}
