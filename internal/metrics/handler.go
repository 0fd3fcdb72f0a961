package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"notification-hub/internal/shared/httpx"
)

type Handler struct {
	c *Collector
}

func NewHandler(c *Collector) *Handler { return &Handler{c: c} }

// Admin returns the live counters, the last evaluated snapshot with its
// alerts, and the cluster aggregate when a reporter is configured.
func (h *Handler) Admin(w http.ResponseWriter, r *http.Request) error {
	resp := map[string]any{
		"instance": h.c.opts.Instance,
		"broker":   h.c.broker.Stats(),
		"limiter":  h.c.limiter.Stats(),
		"rules":    h.c.opts.Rules.Rules(),
	}
	if snap, alerts, ok := h.c.Last(); ok {
		resp["snapshot"] = snap
		resp["alerts"] = alerts
	}
	if h.c.opts.Reporter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		cl, err := h.c.opts.Reporter.Cluster(ctx)
		if err != nil {
			slog.Warn("cluster metrics unavailable", slog.Any("error", err))
		} else {
			resp["cluster"] = cl
		}
	}
	httpx.WriteJSON(w, resp, http.StatusOK)
	return nil
}
