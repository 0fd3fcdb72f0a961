package token

import (
	"net/http"
	"strings"

	"notification-hub/internal/shared/httpx"
)

type Handler struct {
	svc  *Service
	errs *httpx.ErrorMapper
}

func NewHandler(s *Service) *Handler {
	return &Handler{
		svc: s,
		errs: httpx.NewErrorMapper().
			WithMapping(ErrTokenMismatch, http.StatusForbidden, "token_mismatch").
			WithMapping(ErrTokenExpired, http.StatusUnauthorized, "token_expired").
			WithMapping(ErrTokenInvalid, http.StatusUnauthorized, "token_invalid"),
	}
}

func (h *Handler) Wrap(fn httpx.HandlerFunc) http.Handler { return h.errs.Wrap(fn) }

// Issue requires an authenticated session.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) error {
	p, ok := httpx.PrincipalFromCtx(r.Context())
	if !ok || p.Via != "session" {
		return httpx.NewError(http.StatusUnauthorized, "session_required", httpx.ErrUnauthorized)
	}
	tok, err := h.svc.Issue(p.UserID, MetadataFor(p.Role, p.BranchID))
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, tok, http.StatusOK)
	return nil
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) error {
	p, ok := httpx.PrincipalFromCtx(r.Context())
	if !ok || p.Via != "session" {
		return httpx.NewError(http.StatusUnauthorized, "session_required", httpx.ErrUnauthorized)
	}
	req, err := httpx.Decode[struct {
		OldToken string `json:"oldToken"`
	}](r)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.OldToken) == "" {
		return httpx.NewError(http.StatusBadRequest, "missing_old_token", httpx.ErrBadRequest)
	}
	tok, err := h.svc.Refresh(r.Context(), p.UserID, MetadataFor(p.Role, p.BranchID), req.OldToken)
	if err != nil {
		return err
	}
	httpx.WriteJSON(w, tok, http.StatusOK)
	return nil
}
