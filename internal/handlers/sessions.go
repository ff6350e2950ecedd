package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// SessionServiceInterface defines the session operations a caller can run on their own sessions
type SessionServiceInterface interface {
	List(ctx context.Context, identityID string, activeOnly bool) ([]*models.Session, error)
	Statistics(ctx context.Context, identityID string) (*models.SessionStatistics, error)
	RevokeOne(ctx context.Context, identityID, sessionID string) error
	RevokeOthers(ctx context.Context, identityID, keepSessionID string) (int, error)
}

// SessionHandler handles session listing and revocation
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{service: service}
}

// SessionView is a session as shown to its owner
type SessionView struct {
	*models.Session
	Current bool `json:"current"`
}

// RevokeOthersResponse reports how many sessions were ended
type RevokeOthersResponse struct {
	Revoked int `json:"revoked"`
}

// List handles GET /sessions. ?all=true includes ended sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	activeOnly := r.URL.Query().Get("all") != "true"
	sessions, err := h.service.List(r.Context(), claims.IdentityID, activeOnly)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{Session: s, Current: s.ID == claims.SessionID})
	}
	pkghttp.WriteJSON(w, http.StatusOK, views)
}

// Statistics handles GET /sessions/stats
func (h *SessionHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	stats, err := h.service.Statistics(r.Context(), claims.IdentityID)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, stats)
}

// Revoke handles DELETE /sessions/{id}
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		pkghttp.WriteBadRequest(w, "session id is required")
		return
	}

	if err := h.service.RevokeOne(r.Context(), claims.IdentityID, sessionID); err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RevokeOthers handles POST /sessions/revoke-others
func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	n, err := h.service.RevokeOthers(r.Context(), claims.IdentityID, claims.SessionID)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, RevokeOthersResponse{Revoked: n})
}
