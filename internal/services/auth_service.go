package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// IdentityRepository is the credential store used by the login flow
type IdentityRepository interface {
	GetByID(ctx context.Context, id string) (*models.Identity, error)
	GetByHandle(ctx context.Context, handle string) (*models.Identity, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// PasswordVerifier checks secrets and supplies a decoy hash for unknown handles
type PasswordVerifier interface {
	pkgauth.CredentialVerifier
	DummyHash() string
}

// AttemptLog records login attempts
type AttemptLog interface {
	Record(ctx context.Context, in AttemptInput) *models.LoginAttempt
}

// LockoutEngine is the lockout state machine as seen by the login flow
type LockoutEngine interface {
	LockChecker
	RecordFailure(ctx context.Context, identityID string, attempt *models.LoginAttempt) (*models.LockoutDecision, error)
	Lock(ctx context.Context, req models.LockRequest) (*models.LockoutRecord, error)
	Unlock(ctx context.Context, identityID, actorID string, reason models.ReleaseReason) error
}

// SecondFactor verifies MFA codes
type SecondFactor interface {
	MFARequirement
	Verify(ctx context.Context, identityID, code string, method models.MFAMethod, meta models.DeviceMeta) error
	SendEmailOtp(ctx context.Context, identityID string, purpose models.OtpPurpose, meta models.DeviceMeta) (time.Time, error)
}

// SessionManager issues and revokes sessions
type SessionManager interface {
	Generation(ctx context.Context, identityID string) (int64, error)
	Issue(ctx context.Context, req IssueRequest) (*models.IssuedSession, error)
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	Logout(ctx context.Context, claims *models.TokenClaims) error
	RevokeOne(ctx context.Context, identityID, sessionID string) error
	RevokeAll(ctx context.Context, identityID string) error
}

// LoginRequest carries the credentials and client of a login
type LoginRequest struct {
	Handle string
	Secret string
	Device models.DeviceMeta
}

// MFALoginRequest completes a login that required a second factor
type MFALoginRequest struct {
	ChallengeToken string
	Code           string
	Method         models.MFAMethod
	Device         models.DeviceMeta
}

// AuthService coordinates credential checks, lockout, MFA and sessions into
// the login, refresh and logout protocol. It is the only component that calls
// the others in combination.
type AuthService struct {
	identities  IdentityRepository
	verifier    PasswordVerifier
	attempts    AttemptLog
	lockouts    LockoutEngine
	mfa         SecondFactor
	sessions    SessionManager
	policies    PolicyResolver
	tokens      *auth.TokenManager
	revocations RevocationStore
	timing      *auth.TimingDelay
	audit       *pkglogger.AuditLogger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewAuthService creates a new AuthService
func NewAuthService(
	identities IdentityRepository,
	verifier PasswordVerifier,
	attempts AttemptLog,
	lockouts LockoutEngine,
	mfa SecondFactor,
	sessions SessionManager,
	policies PolicyResolver,
	tokens *auth.TokenManager,
	revocations RevocationStore,
	timing *auth.TimingDelay,
	audit *pkglogger.AuditLogger,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		identities:  identities,
		verifier:    verifier,
		attempts:    attempts,
		lockouts:    lockouts,
		mfa:         mfa,
		sessions:    sessions,
		policies:    policies,
		tokens:      tokens,
		revocations: revocations,
		timing:      timing,
		audit:       audit,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Login verifies a handle and secret. It returns tokens, or an mfa_required
// result carrying a challenge token. Failures are ErrInvalidCredential,
// ErrAccountLocked or an internal error; an unknown handle is indistinguishable
// from a wrong secret.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (result *models.LoginResult, err error) {
	start := time.Now()
	defer func() {
		s.timing.WaitFrom(ctx, start, err == nil)
	}()

	handle := models.NormalizeHandle(req.Handle)

	identity, err := s.identities.GetByHandle(ctx, handle)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, internalError(s.logger, "failed to look up identity", err)
		}
		s.verifier.Verify(s.verifier.DummyHash(), req.Secret)
		s.recordFailure(ctx, nil, handle, models.FailureUnknownHandle, req.Device, nil)
		return nil, models.ErrInvalidCredential
	}

	if !identity.CanAuthenticate() {
		s.verifier.Verify(s.verifier.DummyHash(), req.Secret)
		s.recordFailure(ctx, &identity.ID, handle, models.FailureAccountInactive, req.Device, nil)
		return nil, models.ErrInvalidCredential
	}

	locked, _, err := s.lockouts.IsLocked(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if locked {
		s.recordFailure(ctx, &identity.ID, handle, models.FailureAccountLocked, req.Device, nil)
		return nil, models.ErrAccountLocked
	}

	policy, err := s.policies.Resolve(ctx, identity.ID)
	if err != nil {
		return nil, err
	}

	if !s.verifier.Verify(identity.SecretHash, req.Secret) {
		attempt := s.recordFailure(ctx, &identity.ID, handle, models.FailureInvalidCredential, req.Device, policy)
		return nil, s.feedLockout(ctx, identity.ID, attempt, models.ErrInvalidCredential)
	}

	s.attempts.Record(ctx, AttemptInput{
		IdentityID: &identity.ID,
		Handle:     handle,
		Success:    true,
		Device:     req.Device,
		Policy:     policy,
	})
	s.audit.LogLoginAttempt(ctx, identity.ID, handle, req.Device.IPAddress, req.Device.UserAgent, true, "")

	required, methods, err := s.mfa.IsRequired(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if required {
		return s.challenge(ctx, identity.ID, methods, req.Device)
	}

	return s.complete(ctx, identity.ID, req.Device, false)
}

func (s *AuthService) challenge(ctx context.Context, identityID string, methods []models.MFAMethod, device models.DeviceMeta) (*models.LoginResult, error) {
	gen, err := s.sessions.Generation(ctx, identityID)
	if err != nil {
		return nil, err
	}

	challenge, err := s.tokens.GenerateMFAChallenge(identityID, gen, &device)
	if err != nil {
		return nil, internalError(s.logger, "failed to generate MFA challenge", err, slog.String("identity_id", identityID))
	}

	s.metrics.LoginAttempt("mfa_required")
	return &models.LoginResult{
		Status:             models.LoginStatusMFARequired,
		IdentityID:         identityID,
		ChallengeID:        challenge.Token,
		ChallengeExpiresAt: &challenge.ExpiresAt,
		MFAMethods:         methods,
	}, nil
}

// complete issues the session and stamps the login as finished
func (s *AuthService) complete(ctx context.Context, identityID string, device models.DeviceMeta, mfaCompleted bool) (*models.LoginResult, error) {
	issued, err := s.sessions.Issue(ctx, IssueRequest{
		IdentityID:   identityID,
		Device:       device,
		MFACompleted: mfaCompleted,
	})
	if err != nil {
		return nil, err
	}

	if err := s.identities.UpdateLastLogin(ctx, identityID, s.now()); err != nil {
		s.logger.Warn("failed to update last login",
			slog.String("identity_id", identityID),
			slog.Any("error", err))
	}

	s.metrics.LoginAttempt("success")
	return &models.LoginResult{
		Status:     models.LoginStatusAuthenticated,
		IdentityID: identityID,
		Tokens:     &issued.Tokens,
	}, nil
}

func (s *AuthService) recordFailure(
	ctx context.Context,
	identityID *string,
	handle string,
	reason models.FailureReason,
	device models.DeviceMeta,
	policy *models.SecurityPolicy,
) *models.LoginAttempt {
	attempt := s.attempts.Record(ctx, AttemptInput{
		IdentityID:    identityID,
		Handle:        handle,
		FailureReason: reason,
		Device:        device,
		Policy:        policy,
	})

	var id string
	if identityID != nil {
		id = *identityID
	}
	s.metrics.LoginAttempt(string(reason))
	s.audit.LogLoginAttempt(ctx, id, handle, device.IPAddress, device.UserAgent, false, string(reason))

	return attempt
}

// feedLockout passes a counted failure to the lockout engine and returns the
// error the caller should see
func (s *AuthService) feedLockout(ctx context.Context, identityID string, attempt *models.LoginAttempt, failure error) error {
	decision, err := s.lockouts.RecordFailure(ctx, identityID, attempt)
	if err != nil {
		return err
	}
	if decision.Locked {
		return models.ErrAccountLocked
	}
	return failure
}

// VerifyMFA completes a challenged login. The challenge token is single use
// and the session is bound to the device captured at login.
func (s *AuthService) VerifyMFA(ctx context.Context, req MFALoginRequest) (result *models.LoginResult, err error) {
	start := time.Now()
	defer func() {
		s.timing.WaitFrom(ctx, start, err == nil)
	}()

	claims, err := s.openChallenge(ctx, req.ChallengeToken)
	if err != nil {
		return nil, err
	}

	device := req.Device
	if claims.Device != nil {
		device = *claims.Device
	}

	if err := s.mfa.Verify(ctx, claims.IdentityID, req.Code, req.Method, req.Device); err != nil {
		if errors.Is(err, models.ErrInternalServer) || errors.Is(err, models.ErrMFANotEnabled) || errors.Is(err, models.ErrBadRequest) {
			return nil, err
		}

		handle := ""
		if identity, lookupErr := s.identities.GetByID(ctx, claims.IdentityID); lookupErr == nil {
			handle = identity.Handle
		}
		policy, policyErr := s.policies.Resolve(ctx, claims.IdentityID)
		if policyErr != nil {
			return nil, policyErr
		}
		attempt := s.recordFailure(ctx, &claims.IdentityID, handle, models.FailureMFAFailed, req.Device, policy)
		return nil, s.feedLockout(ctx, claims.IdentityID, attempt, err)
	}

	// concurrent completions of one challenge race here; only one wins
	claimed, err := s.revocations.Claim(ctx, claims.ID, claims.ExpiresAt.Sub(s.now()))
	if err != nil {
		return nil, internalError(s.logger, "failed to consume MFA challenge", err, slog.String("identity_id", claims.IdentityID))
	}
	if !claimed {
		return nil, models.ErrTokenInvalid
	}

	return s.complete(ctx, claims.IdentityID, device, true)
}

// openChallenge validates an MFA challenge token that has not been consumed,
// belongs to the current generation and whose identity is not locked
func (s *AuthService) openChallenge(ctx context.Context, token string) (*models.TokenClaims, error) {
	claims, err := s.tokens.ValidateToken(token, models.TokenTypeMFA)
	if err != nil {
		return nil, err
	}

	blacklisted, err := s.revocations.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, internalError(s.logger, "failed to check challenge blacklist", err)
	}
	if blacklisted {
		return nil, models.ErrTokenInvalid
	}

	gen, err := s.sessions.Generation(ctx, claims.IdentityID)
	if err != nil {
		return nil, err
	}
	if gen != claims.Generation {
		return nil, models.ErrTokenInvalid
	}

	locked, _, err := s.lockouts.IsLocked(ctx, claims.IdentityID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, models.ErrAccountLocked
	}

	return claims, nil
}

// SendChallengeOtp emails a login code to the identity behind an open MFA
// challenge. It returns the code's expiry.
func (s *AuthService) SendChallengeOtp(ctx context.Context, challengeToken string, device models.DeviceMeta) (time.Time, error) {
	claims, err := s.openChallenge(ctx, challengeToken)
	if err != nil {
		return time.Time{}, err
	}
	return s.mfa.SendEmailOtp(ctx, claims.IdentityID, models.OtpPurposeMFA, device)
}

// Refresh rotates a token pair
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	return s.sessions.Refresh(ctx, refreshToken)
}

// Logout ends the caller's session
func (s *AuthService) Logout(ctx context.Context, claims *models.TokenClaims) error {
	return s.sessions.Logout(ctx, claims)
}

// RevokeAll ends every session of an identity and invalidates all its tokens
func (s *AuthService) RevokeAll(ctx context.Context, identityID string) error {
	return s.sessions.RevokeAll(ctx, identityID)
}

// RevokeOne ends one session of an identity
func (s *AuthService) RevokeOne(ctx context.Context, identityID, sessionID string) error {
	return s.sessions.RevokeOne(ctx, identityID, sessionID)
}

// LockAccount imposes an explicit lockout and revokes every session of the target
func (s *AuthService) LockAccount(ctx context.Context, req models.LockRequest) (*models.LockoutRecord, error) {
	rec, err := s.lockouts.Lock(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.RevokeAll(ctx, req.IdentityID); err != nil {
		return rec, err
	}

	return rec, nil
}

// UnlockAccount releases the active lockout
func (s *AuthService) UnlockAccount(ctx context.Context, identityID, actorID string) error {
	return s.lockouts.Unlock(ctx, identityID, actorID, models.ReleaseManual)
}
