package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Token is a connection token as returned by the token endpoints.
type Token struct {
	Token        string    `json:"token"`
	UserID       string    `json:"userId"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RefreshAfter time.Time `json:"refreshAfter"`
}

func (t Token) Valid() bool { return t.Token != "" }

// NeedsRefresh is true once refreshAfter has passed.
func (t Token) NeedsRefresh(now time.Time) bool {
	return !t.RefreshAfter.IsZero() && !now.Before(t.RefreshAfter)
}

type TokenSource interface {
	Token(ctx context.Context) (Token, error)
	Refresh(ctx context.Context, old Token) (Token, error)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("http %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("http %d", e.Code)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	_ = json.Unmarshal(b, &body)
	reason := body.Reason
	if reason == "" {
		reason = body.Error
	}
	return &StatusError{Code: resp.StatusCode, Reason: reason}
}

// HTTPTokenSource obtains connection tokens with a user session.
type HTTPTokenSource struct {
	BaseURL string
	Session string
	HTTP    *http.Client
}

func (s *HTTPTokenSource) client() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

func (s *HTTPTokenSource) post(ctx context.Context, path string, body any) (Token, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Token{}, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.BaseURL, "/")+path, rd)
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.Session)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Token{}, statusError(resp)
	}
	var t Token
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	return t, nil
}

func (s *HTTPTokenSource) Token(ctx context.Context) (Token, error) {
	return s.post(ctx, "/realtime/token", nil)
}

func (s *HTTPTokenSource) Refresh(ctx context.Context, old Token) (Token, error) {
	return s.post(ctx, "/realtime/token/refresh", map[string]string{"oldToken": old.Token})
}
