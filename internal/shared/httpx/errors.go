package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// Error carries an explicit HTTP status through a handler's error return.
type Error struct {
	Status int
	Reason string
	Err    error
}

func NewError(status int, reason string, err error) *Error {
	return &Error{Status: status, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Status)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorMapping associates a sentinel error with a status and reason.
type ErrorMapping struct {
	Error  error
	Status int
	Reason string
}

// ErrorMapper maps domain errors to HTTP responses.
type ErrorMapper struct {
	mappings []ErrorMapping
}

var baseMapper = NewErrorMapper()

func NewErrorMapper() *ErrorMapper {
	return &ErrorMapper{mappings: []ErrorMapping{
		{Error: ErrUnauthorized, Status: http.StatusUnauthorized, Reason: "unauthorized"},
		{Error: ErrForbidden, Status: http.StatusForbidden, Reason: "forbidden"},
		{Error: ErrBadRequest, Status: http.StatusBadRequest, Reason: "bad_request"},
	}}
}

func (m *ErrorMapper) WithMapping(err error, status int, reason string) *ErrorMapper {
	m.mappings = append(m.mappings, ErrorMapping{Error: err, Status: status, Reason: reason})
	return m
}

// Map resolves the status and reason for err. Explicit *Error values win,
// then context errors, then registered mappings in order.
func (m *ErrorMapper) Map(err error) (int, string) {
	var he *Error
	if errors.As(err, &he) {
		return he.Status, he.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, "cancelled"
	}
	for _, mp := range m.mappings {
		if errors.Is(err, mp.Error) {
			return mp.Status, mp.Reason
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (m *ErrorMapper) Wrap(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		status, reason := m.Map(err)
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
			if status == http.StatusInternalServerError {
				err = errors.New("internal server error")
			}
		}
		WriteError(w, status, err, reason)
	})
}
