package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// AdminAuthService defines the administrative lock operations
type AdminAuthService interface {
	LockAccount(ctx context.Context, req models.LockRequest) (*models.LockoutRecord, error)
	UnlockAccount(ctx context.Context, identityID, actorID string) error
}

// LockoutReader exposes lockout state and login history
type LockoutReader interface {
	Status(ctx context.Context, identityID string) (*models.LockoutRecord, error)
	History(ctx context.Context, identityID string, limit int) ([]*models.LockoutRecord, error)
	LoginStatistics(ctx context.Context, identityID string, since time.Time) (*models.LoginStatistics, error)
}

// AdminHandler handles account lock administration
type AdminHandler struct {
	service  AdminAuthService
	lockouts LockoutReader
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(service AdminAuthService, lockouts LockoutReader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:  service,
		lockouts: lockouts,
		logger:   logger,
		now:      time.Now,
	}
}

// LockAccountRequest is an administrative lock. Omitting duration_minutes locks indefinitely.
type LockAccountRequest struct {
	Type            string `json:"type" validate:"omitempty,oneof=manual suspicious_activity policy_violation compromised_account maintenance"`
	Reason          string `json:"reason" validate:"omitempty,oneof=manual_lockout suspicious_login_pattern brute_force_attack policy_violation security_measure"`
	Description     string `json:"description" validate:"max=500"`
	DurationMinutes *int   `json:"duration_minutes" validate:"omitempty,gte=1,lte=525600"`
}

// LockoutStatusResponse reports whether an identity is currently locked
type LockoutStatusResponse struct {
	Locked bool                  `json:"locked"`
	Record *models.LockoutRecord `json:"record,omitempty"`
}

// LockAccount handles POST /admin/identities/{id}/lock
func (h *AdminHandler) LockAccount(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req LockAccountRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	lock := models.LockRequest{
		IdentityID:  chi.URLParam(r, "id"),
		ActorID:     claims.IdentityID,
		Type:        models.LockoutManual,
		Reason:      models.ReasonManualLockout,
		Description: req.Description,
	}
	if req.Type != "" {
		lock.Type = models.LockoutType(req.Type)
	}
	if req.Reason != "" {
		lock.Reason = models.LockoutReason(req.Reason)
	}
	if req.DurationMinutes != nil {
		d := time.Duration(*req.DurationMinutes) * time.Minute
		lock.Duration = &d
	}

	rec, err := h.service.LockAccount(r.Context(), lock)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	h.logger.Info("account locked by administrator",
		slog.String("identity_id", lock.IdentityID),
		slog.String("actor_id", lock.ActorID),
		slog.String("type", string(lock.Type)))
	pkghttp.WriteJSON(w, http.StatusCreated, rec)
}

// UnlockAccount handles POST /admin/identities/{id}/unlock
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	identityID := chi.URLParam(r, "id")
	if err := h.service.UnlockAccount(r.Context(), identityID, claims.IdentityID); err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	h.logger.Info("account unlocked by administrator",
		slog.String("identity_id", identityID),
		slog.String("actor_id", claims.IdentityID))
	w.WriteHeader(http.StatusNoContent)
}

// LockoutStatus handles GET /admin/identities/{id}/lockout
func (h *AdminHandler) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lockouts.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, LockoutStatusResponse{Locked: rec != nil, Record: rec})
}

// LockoutHistory handles GET /admin/identities/{id}/lockouts?limit=N (1-100, default 20)
func (h *AdminHandler) LockoutHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.lockouts.History(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 20, 100))
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, records)
}

// LoginStatistics handles GET /admin/identities/{id}/login-stats?days=N (1-365, default 30)
func (h *AdminHandler) LoginStatistics(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			pkghttp.WriteBadRequest(w, "days must be between 1 and 365")
			return
		}
		days = n
	}

	since := h.now().AddDate(0, 0, -days)
	stats, err := h.lockouts.LoginStatistics(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, stats)
}
