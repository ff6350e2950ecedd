package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/google/uuid"
)

const (
	sessionListLimit     = 100
	recentActivityWindow = 30 * 24 * time.Hour
)

// SessionRepository persists sessions
type SessionRepository interface {
	CreateWithEviction(ctx context.Context, s *models.Session, maxActive int) ([]*models.Session, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Rotate(ctx context.Context, in repositories.RotateInput) (bool, error)
	Deactivate(ctx context.Context, id, identityID string, reason models.SessionEndReason, at time.Time) (*models.Session, error)
	DeactivateAll(ctx context.Context, identityID string, reason models.SessionEndReason, at time.Time) (int64, error)
	DeactivateOthers(ctx context.Context, identityID, keepID string, reason models.SessionEndReason, at time.Time) ([]*models.Session, error)
	ListByIdentity(ctx context.Context, identityID string, activeOnly bool, now time.Time, limit int) ([]*models.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Statistics(ctx context.Context, identityID string, now, recentSince time.Time) (*models.SessionStatistics, error)
}

// RevocationStore is the token blacklist and per-identity generation counter
type RevocationStore interface {
	Blacklist(ctx context.Context, jti string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	Claim(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	Generation(ctx context.Context, identityID string) (int64, error)
	BumpGeneration(ctx context.Context, identityID string) (int64, error)
}

// LockChecker reports whether an identity is locked out
type LockChecker interface {
	IsLocked(ctx context.Context, identityID string) (bool, *models.LockoutRecord, error)
}

// MFARequirement reports whether an identity must pass a second factor
type MFARequirement interface {
	IsRequired(ctx context.Context, identityID string) (bool, []models.MFAMethod, error)
}

// IssueRequest describes a session to create after authentication
type IssueRequest struct {
	IdentityID   string
	Device       models.DeviceMeta
	MFACompleted bool
}

// SessionService issues, rotates, validates and revokes sessions
type SessionService struct {
	sessions    SessionRepository
	revocations RevocationStore
	tokens      *auth.TokenManager
	lockouts    LockChecker
	mfa         MFARequirement
	policies    PolicyResolver
	audit       *pkglogger.AuditLogger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(
	sessions SessionRepository,
	revocations RevocationStore,
	tokens *auth.TokenManager,
	lockouts LockChecker,
	mfa MFARequirement,
	policies PolicyResolver,
	audit *pkglogger.AuditLogger,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		sessions:    sessions,
		revocations: revocations,
		tokens:      tokens,
		lockouts:    lockouts,
		mfa:         mfa,
		policies:    policies,
		audit:       audit,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Generation returns the identity's current token generation
func (s *SessionService) Generation(ctx context.Context, identityID string) (int64, error) {
	gen, err := s.revocations.Generation(ctx, identityID)
	if err != nil {
		return 0, internalError(s.logger, "failed to read token generation", err, slog.String("identity_id", identityID))
	}
	return gen, nil
}

// Issue creates a session and its token pair. When the identity is at its
// concurrent session cap the least recently used sessions are evicted first.
func (s *SessionService) Issue(ctx context.Context, req IssueRequest) (*models.IssuedSession, error) {
	locked, _, err := s.lockouts.IsLocked(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, models.ErrAccountLocked
	}

	if !req.MFACompleted {
		required, _, err := s.mfa.IsRequired(ctx, req.IdentityID)
		if err != nil {
			return nil, err
		}
		if required {
			return nil, models.ErrMFARequired
		}
	}

	policy, err := s.policies.Resolve(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}

	gen, err := s.Generation(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	sessionToken, refreshToken, err := s.tokenPair(req.IdentityID, sessionID, gen)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &models.Session{
		ID:                    sessionID,
		IdentityID:            req.IdentityID,
		SessionTokenID:        sessionToken.ID,
		SessionTokenExpiresAt: sessionToken.ExpiresAt,
		RefreshTokenID:        refreshToken.ID,
		RefreshTokenExpiresAt: refreshToken.ExpiresAt,
		IPAddress:             req.Device.IPAddress,
		UserAgent:             req.Device.UserAgent,
		DeviceFingerprint:     req.Device.DeviceFingerprint,
		DeviceName:            req.Device.DeviceName,
		DeviceType:            req.Device.DeviceType,
		IsActive:              true,
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.sessionTimeout(policy)),
		LastAccessedAt:        now,
	}

	evicted, err := s.sessions.CreateWithEviction(ctx, session, policy.MaxConcurrentSessions)
	if err != nil {
		return nil, internalError(s.logger, "failed to create session", err, slog.String("identity_id", req.IdentityID))
	}

	if len(evicted) > 0 {
		s.metrics.SessionEvicted(len(evicted))
		for _, e := range evicted {
			s.blacklistSession(ctx, e, now)
			s.audit.LogSession(ctx, "session_evicted", req.IdentityID, e.ID, true, string(models.SessionEndEvicted))
		}
	}
	s.audit.LogSession(ctx, "session_issued", req.IdentityID, sessionID, true, "")

	return &models.IssuedSession{
		Tokens: models.TokenPair{
			SessionID:             sessionID,
			SessionToken:          sessionToken.Token,
			SessionTokenExpiresAt: sessionToken.ExpiresAt,
			RefreshToken:          refreshToken.Token,
			RefreshTokenExpiresAt: refreshToken.ExpiresAt,
		},
		Session: session,
		Evicted: evicted,
	}, nil
}

func (s *SessionService) sessionTimeout(policy *models.SecurityPolicy) time.Duration {
	if timeout := policy.SessionTimeout(); timeout > 0 {
		return timeout
	}
	return s.tokens.RefreshTokenExpiry()
}

func (s *SessionService) tokenPair(identityID, sessionID string, gen int64) (*models.IssuedToken, *models.IssuedToken, error) {
	sessionToken, err := s.tokens.GenerateSessionToken(identityID, sessionID, gen)
	if err != nil {
		return nil, nil, internalError(s.logger, "failed to generate session token", err)
	}

	refreshToken, err := s.tokens.GenerateRefreshToken(identityID, sessionID, gen)
	if err != nil {
		return nil, nil, internalError(s.logger, "failed to generate refresh token", err)
	}

	return sessionToken, refreshToken, nil
}

// IsValid accepts a session token iff its signature and expiry hold, it is not
// blacklisted, its generation is current and its session is active and still
// bound to it. It has no side effects.
func (s *SessionService) IsValid(ctx context.Context, token string) (*models.TokenClaims, error) {
	claims, err := s.tokens.ValidateToken(token, models.TokenTypeSession)
	if err != nil {
		return nil, err
	}

	if err := s.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}

	session, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrTokenInvalid
		}
		return nil, internalError(s.logger, "failed to load session", err, slog.String("session_id", claims.SessionID))
	}

	if !session.IsUsable(s.now()) || session.IdentityID != claims.IdentityID || session.SessionTokenID != claims.ID {
		return nil, models.ErrTokenInvalid
	}

	return claims, nil
}

// checkRevocation rejects blacklisted and stale-generation tokens
func (s *SessionService) checkRevocation(ctx context.Context, claims *models.TokenClaims) error {
	blacklisted, err := s.revocations.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return internalError(s.logger, "failed to check token blacklist", err)
	}
	if blacklisted {
		return models.ErrTokenInvalid
	}

	gen, err := s.Generation(ctx, claims.IdentityID)
	if err != nil {
		return err
	}
	if gen != claims.Generation {
		return models.ErrTokenInvalid
	}

	return nil
}

// Refresh exchanges a refresh token for a new pair. Both tokens rotate and the
// old refresh token is blacklisted. Presenting an already rotated refresh token
// ends the session.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, err := s.tokens.ValidateToken(refreshToken, models.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrTokenInvalid
		}
		return nil, internalError(s.logger, "failed to load session", err, slog.String("session_id", claims.SessionID))
	}
	if !session.IsUsable(now) || session.IdentityID != claims.IdentityID {
		return nil, models.ErrTokenInvalid
	}
	if session.RefreshTokenID != claims.ID {
		s.handleReplay(ctx, session, now)
		return nil, models.ErrTokenInvalid
	}

	if err := s.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}

	policy, err := s.policies.Resolve(ctx, claims.IdentityID)
	if err != nil {
		return nil, err
	}

	sessionToken, newRefresh, err := s.tokenPair(claims.IdentityID, session.ID, claims.Generation)
	if err != nil {
		return nil, err
	}

	rotated, err := s.sessions.Rotate(ctx, repositories.RotateInput{
		SessionID:             session.ID,
		OldRefreshTokenID:     claims.ID,
		SessionTokenID:        sessionToken.ID,
		SessionTokenExpiresAt: sessionToken.ExpiresAt,
		RefreshTokenID:        newRefresh.ID,
		RefreshTokenExpiresAt: newRefresh.ExpiresAt,
		ExpiresAt:             now.Add(s.sessionTimeout(policy)),
		At:                    now,
	})
	if err != nil {
		return nil, internalError(s.logger, "failed to rotate session tokens", err, slog.String("session_id", session.ID))
	}
	if !rotated {
		// a concurrent refresh won with the same token
		s.metrics.RefreshReplay()
		return nil, models.ErrTokenInvalid
	}

	s.blacklist(ctx, claims.ID, claims.ExpiresAt.Time, now)
	s.blacklist(ctx, session.SessionTokenID, session.SessionTokenExpiresAt, now)

	return &models.TokenPair{
		SessionID:             session.ID,
		SessionToken:          sessionToken.Token,
		SessionTokenExpiresAt: sessionToken.ExpiresAt,
		RefreshToken:          newRefresh.Token,
		RefreshTokenExpiresAt: newRefresh.ExpiresAt,
	}, nil
}

func (s *SessionService) handleReplay(ctx context.Context, session *models.Session, now time.Time) {
	s.metrics.RefreshReplay()
	s.audit.LogSession(ctx, "refresh_replay", session.IdentityID, session.ID, false, "rotated refresh token presented")

	ended, err := s.sessions.Deactivate(ctx, session.ID, session.IdentityID, models.SessionEndRevoked, now)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to end session after refresh replay",
				slog.String("session_id", session.ID),
				slog.Any("error", err))
		}
		return
	}
	s.blacklistSession(ctx, ended, now)
}

// RevokeOne ends a single session owned by identityID
func (s *SessionService) RevokeOne(ctx context.Context, identityID, sessionID string) error {
	return s.end(ctx, identityID, sessionID, models.SessionEndRevoked)
}

// Logout ends the session the token belongs to
func (s *SessionService) Logout(ctx context.Context, claims *models.TokenClaims) error {
	return s.end(ctx, claims.IdentityID, claims.SessionID, models.SessionEndLogout)
}

func (s *SessionService) end(ctx context.Context, identityID, sessionID string, reason models.SessionEndReason) error {
	now := s.now()
	session, err := s.sessions.Deactivate(ctx, sessionID, identityID, reason, now)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return internalError(s.logger, "failed to end session", err, slog.String("session_id", sessionID))
	}

	s.blacklistSession(ctx, session, now)
	s.metrics.TokenRevoked("one")
	s.audit.LogSession(ctx, "session_ended", identityID, sessionID, true, string(reason))

	return nil
}

// RevokeAll invalidates every token ever issued to the identity by bumping its
// generation, then ends all of its sessions
func (s *SessionService) RevokeAll(ctx context.Context, identityID string) error {
	if _, err := s.revocations.BumpGeneration(ctx, identityID); err != nil {
		return internalError(s.logger, "failed to bump token generation", err, slog.String("identity_id", identityID))
	}

	ended, err := s.sessions.DeactivateAll(ctx, identityID, models.SessionEndRevokeAll, s.now())
	if err != nil {
		return internalError(s.logger, "failed to end sessions", err, slog.String("identity_id", identityID))
	}

	s.metrics.TokenRevoked("all")
	s.audit.LogSession(ctx, "sessions_revoked_all", identityID, "", true, "")
	s.logger.Info("revoked all sessions",
		slog.String("identity_id", identityID),
		slog.Int64("sessions", ended))

	return nil
}

// RevokeOthers ends every session except keepSessionID and returns how many ended
func (s *SessionService) RevokeOthers(ctx context.Context, identityID, keepSessionID string) (int, error) {
	now := s.now()
	ended, err := s.sessions.DeactivateOthers(ctx, identityID, keepSessionID, models.SessionEndRevoked, now)
	if err != nil {
		return 0, internalError(s.logger, "failed to end other sessions", err, slog.String("identity_id", identityID))
	}

	for _, session := range ended {
		s.blacklistSession(ctx, session, now)
	}
	if len(ended) > 0 {
		s.metrics.TokenRevoked("others")
		s.audit.LogSession(ctx, "sessions_revoked_others", identityID, keepSessionID, true, "")
	}

	return len(ended), nil
}

// Touch records activity on a session
func (s *SessionService) Touch(ctx context.Context, sessionID string) error {
	return s.sessions.Touch(ctx, sessionID, s.now())
}

// List returns the identity's sessions newest first
func (s *SessionService) List(ctx context.Context, identityID string, activeOnly bool) ([]*models.Session, error) {
	sessions, err := s.sessions.ListByIdentity(ctx, identityID, activeOnly, s.now(), sessionListLimit)
	if err != nil {
		return nil, internalError(s.logger, "failed to list sessions", err, slog.String("identity_id", identityID))
	}
	return sessions, nil
}

// Statistics aggregates the identity's session history
func (s *SessionService) Statistics(ctx context.Context, identityID string) (*models.SessionStatistics, error) {
	now := s.now()
	stats, err := s.sessions.Statistics(ctx, identityID, now, now.Add(-recentActivityWindow))
	if err != nil {
		return nil, internalError(s.logger, "failed to compute session statistics", err, slog.String("identity_id", identityID))
	}
	return stats, nil
}

// blacklistSession blacklists both tokens of an ended session until they would expire
func (s *SessionService) blacklistSession(ctx context.Context, session *models.Session, now time.Time) {
	s.blacklist(ctx, session.SessionTokenID, session.SessionTokenExpiresAt, now)
	s.blacklist(ctx, session.RefreshTokenID, session.RefreshTokenExpiresAt, now)
}

// blacklist is best effort: an ended session already fails validation
func (s *SessionService) blacklist(ctx context.Context, jti string, expiresAt, now time.Time) {
	if err := s.revocations.Blacklist(ctx, jti, expiresAt.Sub(now)); err != nil {
		s.logger.Warn("failed to blacklist token",
			slog.String("jti", jti),
			slog.Any("error", err))
	}
}
