package notification

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"notification-hub/internal/shared/httpx"
)

type Handler struct {
	svc  Service
	errs *httpx.ErrorMapper
}

func NewHandler(s Service) *Handler {
	return &Handler{
		svc: s,
		errs: httpx.NewErrorMapper().
			WithMapping(ErrValidation, http.StatusBadRequest, "validation_failed").
			WithMapping(ErrNotFound, http.StatusNotFound, "not_found").
			WithMapping(ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"),
	}
}

func (h *Handler) Wrap(fn httpx.HandlerFunc) http.Handler { return h.errs.Wrap(fn) }

// parseSince accepts unix milliseconds or RFC 3339.
func parseSince(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Poll returns notifications created at or after ?since, oldest first. Without
// since it returns the most recent page.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.UserFromCtx(r)
	if err != nil {
		return err
	}
	limit := httpx.QueryInt(r, "limit", 100)

	var items []Notification
	if s := r.URL.Query().Get("since"); s != "" {
		since, perr := parseSince(s)
		if perr != nil {
			return httpx.NewError(http.StatusBadRequest, "bad_since", perr)
		}
		items, err = h.svc.Since(r.Context(), uid, since, limit)
	} else {
		items, err = h.svc.List(r.Context(), uid, limit, 0, Filter{})
		slices.Reverse(items)
	}
	if err != nil {
		return err
	}
	unread, err := h.svc.UnreadCount(r.Context(), uid)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, map[string]any{
		"notifications": items,
		"unreadCount":   unread,
		"serverTime":    time.Now().UTC(),
	}, http.StatusOK)
	return nil
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.UserFromCtx(r)
	if err != nil {
		return err
	}
	f := Filter{UnreadOnly: httpx.QueryBool(r, "unread")}
	for _, v := range r.URL.Query()["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, Type(strings.ToUpper(t)))
			}
		}
	}
	items, err := h.svc.List(r.Context(), uid,
		httpx.QueryInt(r, "limit", 50), httpx.QueryInt(r, "offset", 0), f)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, map[string]any{"notifications": items}, http.StatusOK)
	return nil
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.UserFromCtx(r)
	if err != nil {
		return err
	}
	n, err := h.svc.UnreadCount(r.Context(), uid)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, map[string]int64{"unreadCount": n}, http.StatusOK)
	return nil
}

// MarkRead accepts {notificationId} or {markAll: true}.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) error {
	uid, err := httpx.UserFromCtx(r)
	if err != nil {
		return err
	}
	req, err := httpx.Decode[struct {
		NotificationID string `json:"notificationId"`
		MarkAll        bool   `json:"markAll"`
	}](r)
	if err != nil {
		return err
	}

	updated := 0
	switch {
	case req.MarkAll:
		if updated, err = h.svc.MarkAllRead(r.Context(), uid); err != nil {
			return err
		}
	case req.NotificationID != "":
		res, err := h.svc.MarkRead(r.Context(), uid, req.NotificationID)
		if err != nil {
			return err
		}
		if !res.OK() {
			return ErrNotFound
		}
		if res == MarkTransitioned {
			updated = 1
		}
	default:
		return httpx.NewError(http.StatusBadRequest, "missing_target", errors.New("notificationId or markAll is required"))
	}

	unread, err := h.svc.UnreadCount(r.Context(), uid)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, map[string]any{"updated": updated, "unreadCount": unread}, http.StatusOK)
	return nil
}

// owned loads the path notification and hides other users' ones as not found.
func (h *Handler) owned(r *http.Request) (Notification, error) {
	uid, err := httpx.UserFromCtx(r)
	if err != nil {
		return Notification{}, err
	}
	n, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return Notification{}, err
	}
	if n.UserID != uid {
		return Notification{}, ErrNotFound
	}
	return n, nil
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) error {
	n, err := h.owned(r)
	if err != nil {
		return err
	}
	evs, err := h.svc.Events(r.Context(), n.ID)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, map[string]any{"events": evs}, http.StatusOK)
	return nil
}

func (h *Handler) TrackEvent(w http.ResponseWriter, r *http.Request) error {
	n, err := h.owned(r)
	if err != nil {
		return err
	}
	req, err := httpx.Decode[struct {
		Event    EventKind      `json:"event"`
		Metadata map[string]any `json:"metadata"`
	}](r)
	if err != nil {
		return err
	}
	ev := clientEvent{Event: EventKind(strings.ToUpper(string(req.Event))), Metadata: req.Metadata}
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := h.svc.RecordDelivery(r.Context(), n.ID, ev.Event, ev.Metadata); err != nil {
		return err
	}
	httpx.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusAccepted)
	return nil
}

// Create is the admin endpoint collaborators call over HTTP.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) error {
	in, err := httpx.Decode[CreateInput](r)
	if err != nil {
		return err
	}
	n, err := h.svc.Create(r.Context(), in)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, n, http.StatusCreated)
	return nil
}

func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) error {
	req, err := httpx.Decode[struct {
		UserIDs  []string `json:"userIds"`
		Type     Type     `json:"type"`
		Payload  Payload  `json:"payload"`
		Priority Priority `json:"priority"`
	}](r)
	if err != nil {
		return err
	}
	in := broadcastInput{UserIDs: req.UserIDs, Type: req.Type, Payload: req.Payload, Priority: req.Priority}
	if err := in.Validate(); err != nil {
		return err
	}
	created, err := h.svc.Broadcast(r.Context(), in.UserIDs, CreateInput{Type: in.Type, Payload: in.Payload, Priority: in.Priority})
	if err != nil && len(created) == 0 {
		return err
	}
	resp := map[string]any{"created": len(created), "requested": len(in.UserIDs)}
	if err != nil {
		resp["error"] = err.Error()
	}
	httpx.WriteJSON(w, resp, http.StatusCreated)
	return nil
}
