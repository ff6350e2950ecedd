package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// AuthServiceInterface defines the login orchestrator operations exposed over HTTP
type AuthServiceInterface interface {
	Login(ctx context.Context, req services.LoginRequest) (*models.LoginResult, error)
	VerifyMFA(ctx context.Context, req services.MFALoginRequest) (*models.LoginResult, error)
	SendChallengeOtp(ctx context.Context, challengeToken string, device models.DeviceMeta) (time.Time, error)
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	Logout(ctx context.Context, claims *models.TokenClaims) error
	RevokeAll(ctx context.Context, identityID string) error
}

// AuthHandler handles login, MFA completion, refresh and logout
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Handle string `json:"handle" validate:"required,max=320"`
	Secret string `json:"secret" validate:"required,max=1024"`
}

// VerifyMFARequest completes a challenged login
type VerifyMFARequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,max=32"`
	Method         string `json:"method" validate:"required,oneof=totp backup_code email_otp"`
}

// ChallengeOtpRequest asks for an email code during a challenged login
type ChallengeOtpRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
}

// RefreshTokenRequest represents the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// OtpSentResponse reports when a delivered code stops being valid
type OtpSentResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), services.LoginRequest{
		Handle: req.Handle,
		Secret: req.Secret,
		Device: pkghttp.ExtractDevice(r, h.ipConfig),
	})
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// VerifyMFA handles POST /auth/mfa/verify
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req VerifyMFARequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.VerifyMFA(r.Context(), services.MFALoginRequest{
		ChallengeToken: req.ChallengeToken,
		Code:           req.Code,
		Method:         models.MFAMethod(req.Method),
		Device:         pkghttp.ExtractDevice(r, h.ipConfig),
	})
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// SendChallengeOtp handles POST /auth/mfa/email-otp
func (h *AuthHandler) SendChallengeOtp(w http.ResponseWriter, r *http.Request) {
	var req ChallengeOtpRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	expiresAt, err := h.service.SendChallengeOtp(r.Context(), req.ChallengeToken, pkghttp.ExtractDevice(r, h.ipConfig))
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, OtpSentResponse{ExpiresAt: expiresAt})
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, pair)
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	if err := h.service.Logout(r.Context(), claims); err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	if err := h.service.RevokeAll(r.Context(), claims.IdentityID); err != nil {
		pkghttp.WriteServiceError(w, err)
		return
	}

	h.logger.Info("all sessions revoked by owner", slog.String("identity_id", claims.IdentityID))
	w.WriteHeader(http.StatusNoContent)
}
