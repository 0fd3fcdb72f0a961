package broker

import (
	"fmt"
	"net/http"
	"time"

	"notification-hub/internal/notification"
	"notification-hub/internal/shared/httpx"
	"notification-hub/internal/token"
)

type Handler struct {
	b            *Broker
	writeTimeout time.Duration
	retry        time.Duration
	errs         *httpx.ErrorMapper
}

func NewHandler(b *Broker, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		b:            b,
		writeTimeout: writeTimeout,
		retry:        3 * time.Second,
		errs: httpx.NewErrorMapper().
			WithMapping(token.ErrTokenExpired, http.StatusUnauthorized, "token_expired").
			WithMapping(token.ErrAuth, http.StatusUnauthorized, "token_invalid").
			WithMapping(ErrBrokerClosed, http.StatusServiceUnavailable, "shutting_down").
			WithMapping(ErrConnectionNotFound, http.StatusNotFound, "connection_not_found").
			WithMapping(notification.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"),
	}
}

func (h *Handler) Wrap(fn httpx.HandlerFunc) http.Handler { return h.errs.Wrap(fn) }

// Stream serves one SSE connection until the client leaves, the broker ends
// the connection, or a write fails.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.b.Accept(r.Context(), httpx.ExtractToken(r, "token"))
	if err != nil {
		return err
	}

	rc := http.NewResponseController(w)
	hd := w.Header()
	hd.Set("Content-Type", "text/event-stream")
	hd.Set("Cache-Control", "no-cache")
	hd.Set("Connection", "keep-alive")
	hd.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(f func() error) error {
		_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := f(); err != nil {
			return err
		}
		return rc.Flush()
	}
	if err := write(func() error { return writeRetry(w, h.retry) }); err != nil {
		h.b.Fail(conn, fmt.Errorf("%w: %v", ErrTransport, err))
		return nil
	}

	for {
		select {
		case <-r.Context().Done():
			h.b.Disconnect(conn)
			return nil
		case <-conn.Done():
			return nil
		case <-conn.Ready():
			for _, f := range conn.Drain() {
				err := write(func() error { return WriteFrame(w, f) })
				h.b.Delivered(conn, f, err)
				if err != nil {
					h.b.Fail(conn, fmt.Errorf("%w: %v", ErrTransport, err))
					return nil
				}
			}
		}
	}
}

// Ack handles POST /realtime/connections/{id}/ack.
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.UserFromCtx(r)
	if err != nil {
		return err
	}
	local, err := h.b.Ack(r.Context(), r.PathValue("id"), uid)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, map[string]any{"status": "ok", "local": local}, http.StatusOK)
	return nil
}

func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) error {
	conns := h.b.Connections()
	httpx.WriteJSON(w, map[string]any{
		"instance":    h.b.cfg.InstanceID,
		"count":       len(conns),
		"connections": conns,
	}, http.StatusOK)
	return nil
}
