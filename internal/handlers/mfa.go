package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// MFAServiceInterface defines the second-factor management operations
type MFAServiceInterface interface {
	BeginSetup(ctx context.Context, identityID, accountName string) (*models.MfaSetup, error)
	ConfirmSetup(ctx context.Context, identityID, setupSessionID, code string, meta models.DeviceMeta) ([]string, error)
	Disable(ctx context.Context, identityID string, proof models.MfaProof, reason string, meta models.DeviceMeta) error
	SendEmailOtp(ctx context.Context, identityID string, purpose models.OtpPurpose, meta models.DeviceMeta) (time.Time, error)
	RegenerateBackupCodes(ctx context.Context, identityID string, proof models.MfaProof, meta models.DeviceMeta) ([]string, error)
	Status(ctx context.Context, identityID string) (*models.MfaStatus, error)
	AuditLog(ctx context.Context, identityID string, limit int) ([]*models.MfaAuditEntry, error)
}

// MFAHandler handles MFA-related HTTP requests
type MFAHandler struct {
	service    MFAServiceInterface
	identities auth.IdentityReader
	ipConfig   *pkghttp.IPConfig
	logger     *slog.Logger
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(service MFAServiceInterface, identities auth.IdentityReader, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{
		service:    service,
		identities: identities,
		ipConfig:   ipConfig,
		logger:     logger,
	}
}

// BeginSetup handles POST /mfa/setup
func (h *MFAHandler) BeginSetup(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	identity, err := h.identities.GetByID(r.Context(), claims.IdentityID)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	setup, err := h.service.BeginSetup(r.Context(), claims.IdentityID, identity.Handle)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, setup)
}

// ConfirmSetup handles POST /mfa/setup/confirm
func (h *MFAHandler) ConfirmSetup(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req ConfirmMFASetupRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	codes, err := h.service.ConfirmSetup(r.Context(), claims.IdentityID, req.SetupSessionID, req.Code, pkghttp.ExtractDevice(r, h.ipConfig))
	if err != nil {
		h.logger.Warn("MFA setup confirmation failed",
			slog.String("identity_id", claims.IdentityID),
			slog.Any("error", err))
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ConfirmMFASetupResponse{MFAEnabled: true, BackupCodes: codes})
}

// Disable handles POST /mfa/disable
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req DisableMFARequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.Disable(r.Context(), claims.IdentityID, req.Proof.proof(), req.Reason, pkghttp.ExtractDevice(r, h.ipConfig)); err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SendEmailOtp handles POST /mfa/email-otp
func (h *MFAHandler) SendEmailOtp(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req SendEmailOtpRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	expiresAt, err := h.service.SendEmailOtp(r.Context(), claims.IdentityID, models.OtpPurpose(req.Purpose), pkghttp.ExtractDevice(r, h.ipConfig))
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, OtpSentResponse{ExpiresAt: expiresAt})
}

// Status handles GET /mfa/status
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	status, err := h.service.Status(r.Context(), claims.IdentityID)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// RegenerateBackupCodes handles POST /mfa/backup-codes/regenerate
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req RegenerateBackupCodesRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), claims.IdentityID, req.Proof.proof(), pkghttp.ExtractDevice(r, h.ipConfig))
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// AuditLog handles GET /mfa/audit?limit=N (1-200, default 50)
func (h *MFAHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	entries, err := h.service.AuditLog(r.Context(), claims.IdentityID, queryLimit(r, 50, 200))
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, entries)
}
