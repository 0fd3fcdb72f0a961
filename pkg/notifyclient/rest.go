package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type MarkResult struct {
	Updated     int   `json:"updated"`
	UnreadCount int64 `json:"unreadCount"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	tok, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// MarkRead marks one notification read. Marking an already read
// notification reports Updated == 0.
func (c *Client) MarkRead(ctx context.Context, id string) (MarkResult, error) {
	var res MarkResult
	err := c.do(ctx, http.MethodPost, "/notifications/read", map[string]any{"notificationId": id}, &res)
	if err == nil {
		c.unread.Store(res.UnreadCount)
	}
	return res, err
}

func (c *Client) MarkAllRead(ctx context.Context) (MarkResult, error) {
	var res MarkResult
	err := c.do(ctx, http.MethodPost, "/notifications/read", map[string]any{"markAll": true}, &res)
	if err == nil {
		c.unread.Store(res.UnreadCount)
	}
	return res, err
}

// FetchUnreadCount asks the server instead of returning the cached count.
func (c *Client) FetchUnreadCount(ctx context.Context) (int64, error) {
	var res struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, &res); err != nil {
		return 0, err
	}
	c.unread.Store(res.UnreadCount)
	return res.UnreadCount, nil
}
