package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const emailOtpDigits = 6

// MFAProfileRepository persists per-identity MFA state
type MFAProfileRepository interface {
	GetByIdentityID(ctx context.Context, identityID string) (*models.MfaProfile, error)
	Enable(ctx context.Context, in repositories.EnableMFAInput) error
	Disable(ctx context.Context, identityID, reason string, at time.Time) error
	AdvanceTOTPStep(ctx context.Context, identityID string, step int64, at time.Time) (bool, error)
	TouchLastUsed(ctx context.Context, identityID string, at time.Time) error
}

// PendingSetupRepository stores unconfirmed TOTP enrollments
type PendingSetupRepository interface {
	Upsert(ctx context.Context, setup *models.PendingMfaSetup) error
	Get(ctx context.Context, identityID string) (*models.PendingMfaSetup, error)
}

// BackupCodeRepository persists hashed backup codes
type BackupCodeRepository interface {
	ListUsable(ctx context.Context, identityID string, now time.Time) ([]*models.BackupCode, error)
	Consume(ctx context.Context, codeID, identityID, ip string, at time.Time, entry *models.MfaAuditEntry) error
	Regenerate(ctx context.Context, identityID string, codes []*models.BackupCode, at time.Time) error
}

// EmailOtpRepository persists hashed email one-time codes
type EmailOtpRepository interface {
	Create(ctx context.Context, otp *models.EmailOtp) error
	GetLatest(ctx context.Context, identityID string, purpose models.OtpPurpose) (*models.EmailOtp, error)
	RegisterAttempt(ctx context.Context, id string) (int, error)
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	Block(ctx context.Context, id string) error
}

// MFAAuditRepository appends and reads the MFA audit trail
type MFAAuditRepository interface {
	Create(ctx context.Context, entry *models.MfaAuditEntry) error
	CountFailuresSince(ctx context.Context, identityID string, since time.Time) (int, error)
	ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.MfaAuditEntry, error)
}

// MFAConfig holds MFA configuration
type MFAConfig struct {
	BackupCodeCount     int
	BackupCodeHashCost  int
	BackupCodeValidity  time.Duration // 0 = never expire
	EmailOtpExpiry      time.Duration
	EmailOtpMaxAttempts int
	SetupExpiry         time.Duration
	AlertThreshold      int // failed verifications within AlertWindow that raise an alert
	AlertWindow         time.Duration
}

// MFAService handles MFA enrollment, verification and management
type MFAService struct {
	profiles    MFAProfileRepository
	pending     PendingSetupRepository
	backupCodes BackupCodeRepository
	otps        EmailOtpRepository
	audits      MFAAuditRepository
	identities  IdentityReader
	policies    PolicyResolver
	totpMgr     *auth.TOTPManager
	verifier    pkgauth.CredentialVerifier
	notifier    Notifier
	audit       *pkglogger.AuditLogger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	config      MFAConfig
	now         func() time.Time
}

// NewMFAService creates a new MFA service
func NewMFAService(
	profiles MFAProfileRepository,
	pending PendingSetupRepository,
	backupCodes BackupCodeRepository,
	otps EmailOtpRepository,
	audits MFAAuditRepository,
	identities IdentityReader,
	policies PolicyResolver,
	totpMgr *auth.TOTPManager,
	verifier pkgauth.CredentialVerifier,
	notifier Notifier,
	audit *pkglogger.AuditLogger,
	m *metrics.Metrics,
	logger *slog.Logger,
	config MFAConfig,
) *MFAService {
	return &MFAService{
		profiles:    profiles,
		pending:     pending,
		backupCodes: backupCodes,
		otps:        otps,
		audits:      audits,
		identities:  identities,
		policies:    policies,
		totpMgr:     totpMgr,
		verifier:    verifier,
		notifier:    notifier,
		audit:       audit,
		metrics:     m,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// enabledProfile returns the profile or ErrMFANotEnabled
func (s *MFAService) enabledProfile(ctx context.Context, identityID string) (*models.MfaProfile, error) {
	profile, err := s.profiles.GetByIdentityID(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMFANotEnabled
		}
		return nil, internalError(s.logger, "failed to load MFA profile", err, slog.String("identity_id", identityID))
	}
	if !profile.IsEnabled {
		return nil, models.ErrMFANotEnabled
	}
	return profile, nil
}

// BeginSetup generates a fresh TOTP seed and stores it as the identity's only
// pending setup. Any earlier setup session id stops working.
func (s *MFAService) BeginSetup(ctx context.Context, identityID, accountName string) (*models.MfaSetup, error) {
	profile, err := s.profiles.GetByIdentityID(ctx, identityID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, internalError(s.logger, "failed to load MFA profile", err, slog.String("identity_id", identityID))
	}
	if profile != nil && profile.IsEnabled {
		return nil, models.ErrMFAAlreadyEnabled
	}

	enrollment, err := s.totpMgr.Generate(accountName)
	if err != nil {
		return nil, internalError(s.logger, "failed to generate TOTP secret", err)
	}

	ciphertext, nonce, err := s.totpMgr.EncryptSecret(enrollment.Secret)
	if err != nil {
		return nil, internalError(s.logger, "failed to encrypt TOTP secret", err)
	}

	now := s.now()
	setup := &models.PendingMfaSetup{
		IdentityID:      identityID,
		SetupSessionID:  uuid.New().String(),
		SecretEncrypted: ciphertext,
		SecretNonce:     nonce,
		ExpiresAt:       now.Add(s.config.SetupExpiry),
		CreatedAt:       now,
	}

	if err := s.pending.Upsert(ctx, setup); err != nil {
		return nil, internalError(s.logger, "failed to store pending MFA setup", err, slog.String("identity_id", identityID))
	}

	method := models.MFAMethodTOTP
	s.appendAudit(ctx, &models.MfaAuditEntry{
		IdentityID: identityID,
		Action:     models.MfaActionSetupStarted,
		Method:     &method,
		Success:    true,
	})

	return &models.MfaSetup{
		SetupSessionID:  setup.SetupSessionID,
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		QRCode:          enrollment.QRCode,
		ExpiresAt:       setup.ExpiresAt,
	}, nil
}

// ConfirmSetup verifies a code against the pending seed and enables MFA. The
// returned backup codes are the only time their plaintext is available.
func (s *MFAService) ConfirmSetup(ctx context.Context, identityID, setupSessionID, code string, meta models.DeviceMeta) ([]string, error) {
	setup, err := s.pending.Get(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, internalError(s.logger, "failed to load pending MFA setup", err, slog.String("identity_id", identityID))
	}
	if setup.SetupSessionID != setupSessionID {
		return nil, models.ErrNotFound
	}

	now := s.now()
	if setup.IsExpired(now) {
		return nil, models.ErrSetupExpired
	}

	secret, err := s.totpMgr.DecryptSecret(setup.SecretEncrypted, setup.SecretNonce)
	if err != nil {
		return nil, internalError(s.logger, "failed to decrypt pending TOTP secret", err, slog.String("identity_id", identityID))
	}

	method := models.MFAMethodTOTP
	step, ok := s.totpMgr.ValidateCode(secret, code, now)
	if !ok {
		reason := "invalid_code"
		s.appendAudit(ctx, &models.MfaAuditEntry{
			IdentityID:    identityID,
			Action:        models.MfaActionSetupConfirmed,
			Method:        &method,
			FailureReason: &reason,
			IPAddress:     meta.IPAddress,
			UserAgent:     meta.UserAgent,
		})
		return nil, models.ErrInvalidCredential
	}

	plaintext, batch, err := s.newBackupBatch(identityID, now)
	if err != nil {
		return nil, err
	}

	err = s.profiles.Enable(ctx, repositories.EnableMFAInput{
		IdentityID:      identityID,
		SetupSessionID:  setupSessionID,
		SecretEncrypted: setup.SecretEncrypted,
		SecretNonce:     setup.SecretNonce,
		AcceptedStep:    step,
		BackupCodes:     batch,
		At:              now,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			return nil, models.ErrNotFound
		case errors.Is(err, models.ErrConflict):
			return nil, models.ErrMFAAlreadyEnabled
		}
		return nil, internalError(s.logger, "failed to enable MFA", err, slog.String("identity_id", identityID))
	}

	s.appendAudit(ctx, &models.MfaAuditEntry{
		IdentityID: identityID,
		Action:     models.MfaActionSetupConfirmed,
		Method:     &method,
		Success:    true,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	})
	s.audit.LogMFA(ctx, "mfa_enabled", identityID, string(method), meta.IPAddress, true, "")

	return plaintext, nil
}

func (s *MFAService) newBackupBatch(identityID string, now time.Time) ([]string, []*models.BackupCode, error) {
	plaintext, hashes, err := auth.GenerateBackupCodes(s.config.BackupCodeCount, s.config.BackupCodeHashCost)
	if err != nil {
		return nil, nil, internalError(s.logger, "failed to generate backup codes", err)
	}

	var expiresAt *time.Time
	if s.config.BackupCodeValidity > 0 {
		t := now.Add(s.config.BackupCodeValidity)
		expiresAt = &t
	}

	batchID := uuid.New().String()
	batch := make([]*models.BackupCode, len(hashes))
	for i, hash := range hashes {
		batch[i] = &models.BackupCode{
			ID:         uuid.New().String(),
			IdentityID: identityID,
			CodeHash:   hash,
			ExpiresAt:  expiresAt,
			BatchID:    batchID,
			CreatedAt:  now,
		}
	}

	return plaintext, batch, nil
}

// Verify checks a second-factor code. Every call is appended to the MFA audit
// trail with a risk score derived from recent failures across all methods.
func (s *MFAService) Verify(ctx context.Context, identityID, code string, method models.MFAMethod, meta models.DeviceMeta) error {
	now := s.now()
	recentFailures, err := s.audits.CountFailuresSince(ctx, identityID, now.Add(-s.config.AlertWindow))
	if err != nil {
		s.logger.Warn("failed to count recent MFA failures",
			slog.String("identity_id", identityID),
			slog.Any("error", err))
	}

	entry := &models.MfaAuditEntry{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		Action:     models.MfaActionVerify,
		Method:     &method,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		RiskScore:  s.riskScore(recentFailures),
		CreatedAt:  now,
	}

	profile, err := s.enabledProfile(ctx, identityID)
	if err != nil {
		return s.rejectVerify(ctx, entry, err)
	}

	var verifyErr error
	switch method {
	case models.MFAMethodTOTP:
		if !profile.TOTPEnabled {
			return s.rejectVerify(ctx, entry, models.ErrMFANotEnabled)
		}
		verifyErr = s.verifyTOTP(ctx, profile, code, now)
	case models.MFAMethodBackupCode:
		if !profile.BackupCodesEnabled {
			return s.rejectVerify(ctx, entry, models.ErrMFANotEnabled)
		}
		entry.Action = models.MfaActionBackupCodeUsed
		entry.Success = true
		verifyErr = s.verifyBackupCode(ctx, identityID, code, meta, now, entry)
		entry.Success = verifyErr == nil
	case models.MFAMethodEmailOtp:
		if !profile.EmailOtpEnabled {
			return s.rejectVerify(ctx, entry, models.ErrMFANotEnabled)
		}
		verifyErr = s.verifyEmailOtp(ctx, identityID, code, now)
		if verifyErr == nil {
			if err := s.profiles.TouchLastUsed(ctx, identityID, now); err != nil {
				s.logger.Warn("failed to update MFA last used", slog.String("identity_id", identityID), slog.Any("error", err))
			}
		}
	default:
		return s.rejectVerify(ctx, entry, models.ErrBadRequest)
	}

	if verifyErr != nil && errors.Is(verifyErr, models.ErrInternalServer) {
		return s.rejectVerify(ctx, entry, verifyErr)
	}

	s.metrics.MFAVerification(string(method), verifyErr == nil)

	if verifyErr == nil {
		// backup code consumption writes its entry in the same transaction
		if method != models.MFAMethodBackupCode {
			entry.Success = true
			s.appendAudit(ctx, entry)
		}
		s.audit.LogMFA(ctx, "mfa_verified", identityID, string(method), meta.IPAddress, true, "")
		return nil
	}

	reason := verifyErr.Error()
	entry.Action = models.MfaActionVerify
	entry.Success = false
	entry.FailureReason = &reason

	failures := recentFailures + 1
	entry.RiskScore = s.riskScore(failures)
	entry.TriggeredAlert = s.config.AlertThreshold > 0 && failures >= s.config.AlertThreshold
	s.appendAudit(ctx, entry)
	s.audit.LogMFA(ctx, "mfa_verify_failed", identityID, string(method), meta.IPAddress, false, reason)

	if entry.TriggeredAlert && failures == s.config.AlertThreshold {
		s.sendAlert(ctx, identityID, failures)
	}

	return verifyErr
}

// rejectVerify audits a verification that ended before a code was judged:
// no usable profile, a method that is not enabled, an unknown method or a
// storage failure. It returns err unchanged.
func (s *MFAService) rejectVerify(ctx context.Context, entry *models.MfaAuditEntry, err error) error {
	reason := err.Error()
	entry.Action = models.MfaActionVerify
	entry.Success = false
	entry.FailureReason = &reason
	s.appendAudit(ctx, entry)

	method := ""
	if entry.Method != nil {
		method = string(*entry.Method)
	}
	s.audit.LogMFA(ctx, "mfa_verify_rejected", entry.IdentityID, method, entry.IPAddress, false, reason)
	return err
}

func (s *MFAService) verifyTOTP(ctx context.Context, profile *models.MfaProfile, code string, now time.Time) error {
	secret, err := s.totpMgr.DecryptSecret(profile.TOTPSecretEncrypted, profile.TOTPSecretNonce)
	if err != nil {
		return internalError(s.logger, "failed to decrypt TOTP secret", err, slog.String("identity_id", profile.IdentityID))
	}

	step, ok := s.totpMgr.ValidateCode(secret, code, now)
	if !ok {
		return models.ErrInvalidCredential
	}

	advanced, err := s.profiles.AdvanceTOTPStep(ctx, profile.IdentityID, step, now)
	if err != nil {
		return internalError(s.logger, "failed to record TOTP step", err, slog.String("identity_id", profile.IdentityID))
	}
	if !advanced {
		// code from an already accepted step
		return models.ErrInvalidCredential
	}

	return nil
}

func (s *MFAService) verifyBackupCode(ctx context.Context, identityID, code string, meta models.DeviceMeta, now time.Time, entry *models.MfaAuditEntry) error {
	normalized := auth.NormalizeBackupCode(code)
	if normalized == "" {
		return models.ErrInvalidCredential
	}

	codes, err := s.backupCodes.ListUsable(ctx, identityID, now)
	if err != nil {
		return internalError(s.logger, "failed to list backup codes", err, slog.String("identity_id", identityID))
	}

	for _, c := range codes {
		if !c.IsUsable(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(normalized)) != nil {
			continue
		}

		err := s.backupCodes.Consume(ctx, c.ID, identityID, meta.IPAddress, now, entry)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// consumed by a concurrent request
				return models.ErrInvalidCredential
			}
			return internalError(s.logger, "failed to consume backup code", err, slog.String("identity_id", identityID))
		}
		return nil
	}

	return models.ErrInvalidCredential
}

// verifyEmailOtp redeems the newest MFA OTP. The attempt that reaches the
// limit blocks the OTP for good, even with the right code.
func (s *MFAService) verifyEmailOtp(ctx context.Context, identityID, code string, now time.Time) error {
	otp, err := s.otps.GetLatest(ctx, identityID, models.OtpPurposeMFA)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return internalError(s.logger, "failed to load email OTP", err, slog.String("identity_id", identityID))
	}

	switch {
	case otp.IsBlocked:
		return models.ErrOtpBlocked
	case otp.IsUsed:
		return models.ErrNotFound
	case otp.IsExpired(now):
		return models.ErrOtpExpired
	}

	attempts, err := s.otps.RegisterAttempt(ctx, otp.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCredential
		}
		return internalError(s.logger, "failed to register OTP attempt", err, slog.String("identity_id", identityID))
	}
	if attempts >= otp.MaxAttempts {
		if err := s.otps.Block(ctx, otp.ID); err != nil {
			return internalError(s.logger, "failed to block email OTP", err, slog.String("identity_id", identityID))
		}
		return models.ErrOtpBlocked
	}

	if bcrypt.CompareHashAndPassword([]byte(otp.CodeHash), []byte(code)) != nil {
		return models.ErrInvalidCredential
	}

	used, err := s.otps.MarkUsed(ctx, otp.ID, now)
	if err != nil {
		return internalError(s.logger, "failed to mark email OTP used", err, slog.String("identity_id", identityID))
	}
	if !used {
		return models.ErrInvalidCredential
	}

	return nil
}

// riskScore maps recent failures onto [0, 1], saturating at the alert threshold
func (s *MFAService) riskScore(failures int) float64 {
	if s.config.AlertThreshold <= 0 || failures <= 0 {
		return 0
	}
	return min(float64(failures)/float64(s.config.AlertThreshold), 1)
}

func (s *MFAService) sendAlert(ctx context.Context, identityID string, failures int) {
	policy, err := s.policies.Resolve(ctx, identityID)
	if err != nil || !policy.SendSecurityAlerts {
		return
	}

	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		s.logger.Warn("failed to load identity for security alert", slog.String("identity_id", identityID), slog.Any("error", err))
		return
	}

	body := fmt.Sprintf("We detected %d failed multi-factor verification attempts on your account in the last %s.\n"+
		"If this was not you, change your password and review your active sessions.\n",
		failures, s.config.AlertWindow)

	if err := s.notifier.SendSecurityAlert(ctx, identity.Email, "Unusual sign-in activity", body); err != nil {
		s.logger.Warn("failed to send security alert", slog.String("identity_id", identityID), slog.Any("error", err))
	}
}

// appendAudit writes an audit entry. Failures are logged and swallowed.
func (s *MFAService) appendAudit(ctx context.Context, entry *models.MfaAuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	if err := s.audits.Create(ctx, entry); err != nil {
		s.logger.Error("failed to write MFA audit entry",
			slog.String("identity_id", entry.IdentityID),
			slog.String("action", string(entry.Action)),
			slog.Any("error", err))
	}
}

// checkProof verifies a re-presented factor before a sensitive change
func (s *MFAService) checkProof(ctx context.Context, identityID string, proof models.MfaProof, meta models.DeviceMeta) error {
	if proof.Code == "" {
		return models.ErrInvalidCredential
	}

	if proof.Method != models.MFAMethodPassword {
		return s.Verify(ctx, identityID, proof.Code, proof.Method, meta)
	}

	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCredential
		}
		return internalError(s.logger, "failed to load identity", err, slog.String("identity_id", identityID))
	}
	if !s.verifier.Verify(identity.SecretHash, proof.Code) {
		return models.ErrInvalidCredential
	}
	return nil
}

// Disable turns MFA off after re-proof. Admin-enforced profiles cannot be disabled.
func (s *MFAService) Disable(ctx context.Context, identityID string, proof models.MfaProof, reason string, meta models.DeviceMeta) error {
	profile, err := s.enabledProfile(ctx, identityID)
	if err != nil {
		return err
	}
	if profile.IsEnforced {
		return models.ErrPolicyViolation
	}

	if err := s.checkProof(ctx, identityID, proof, meta); err != nil {
		return err
	}

	if reason == "" {
		reason = "user_requested"
	}

	if err := s.profiles.Disable(ctx, identityID, reason, s.now()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrMFANotEnabled
		}
		return internalError(s.logger, "failed to disable MFA", err, slog.String("identity_id", identityID))
	}

	s.appendAudit(ctx, &models.MfaAuditEntry{
		IdentityID: identityID,
		Action:     models.MfaActionDisabled,
		Method:     &proof.Method,
		Success:    true,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	})
	s.audit.LogMFA(ctx, "mfa_disabled", identityID, string(proof.Method), meta.IPAddress, true, reason)

	return nil
}

// SendEmailOtp issues a new email code for the purpose, superseding earlier live codes
func (s *MFAService) SendEmailOtp(ctx context.Context, identityID string, purpose models.OtpPurpose, meta models.DeviceMeta) (time.Time, error) {
	if purpose == "" {
		purpose = models.OtpPurposeMFA
	}
	if purpose == models.OtpPurposeMFA {
		profile, err := s.enabledProfile(ctx, identityID)
		if err != nil {
			return time.Time{}, err
		}
		if !profile.EmailOtpEnabled {
			return time.Time{}, models.ErrMFANotEnabled
		}
	}

	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return time.Time{}, models.ErrNotFound
		}
		return time.Time{}, internalError(s.logger, "failed to load identity", err, slog.String("identity_id", identityID))
	}

	code, err := auth.GenerateNumericCode(emailOtpDigits)
	if err != nil {
		return time.Time{}, internalError(s.logger, "failed to generate OTP", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.config.BackupCodeHashCost)
	if err != nil {
		return time.Time{}, internalError(s.logger, "failed to hash OTP", err)
	}

	now := s.now()
	otp := &models.EmailOtp{
		ID:          uuid.New().String(),
		IdentityID:  identityID,
		Email:       identity.Email,
		CodeHash:    string(hash),
		Purpose:     purpose,
		ExpiresAt:   now.Add(s.config.EmailOtpExpiry),
		MaxAttempts: s.config.EmailOtpMaxAttempts,
		IPAddress:   meta.IPAddress,
		CreatedAt:   now,
	}

	if err := s.otps.Create(ctx, otp); err != nil {
		return time.Time{}, internalError(s.logger, "failed to store email OTP", err, slog.String("identity_id", identityID))
	}

	if err := s.notifier.SendOtp(ctx, identity.Email, code, purpose, otp.ExpiresAt); err != nil {
		return time.Time{}, internalError(s.logger, "failed to deliver email OTP", err, slog.String("identity_id", identityID))
	}

	method := models.MFAMethodEmailOtp
	s.appendAudit(ctx, &models.MfaAuditEntry{
		IdentityID: identityID,
		Action:     models.MfaActionEmailOtpSent,
		Method:     &method,
		Success:    true,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	})

	return otp.ExpiresAt, nil
}

// RegenerateBackupCodes invalidates the active batch and returns a new one
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, identityID string, proof models.MfaProof, meta models.DeviceMeta) ([]string, error) {
	if _, err := s.enabledProfile(ctx, identityID); err != nil {
		return nil, err
	}

	if err := s.checkProof(ctx, identityID, proof, meta); err != nil {
		return nil, err
	}

	now := s.now()
	plaintext, batch, err := s.newBackupBatch(identityID, now)
	if err != nil {
		return nil, err
	}

	if err := s.backupCodes.Regenerate(ctx, identityID, batch, now); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMFANotEnabled
		}
		return nil, internalError(s.logger, "failed to regenerate backup codes", err, slog.String("identity_id", identityID))
	}

	method := models.MFAMethodBackupCode
	s.appendAudit(ctx, &models.MfaAuditEntry{
		IdentityID: identityID,
		Action:     models.MfaActionCodesRegenerated,
		Method:     &method,
		Success:    true,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	})
	s.audit.LogMFA(ctx, "backup_codes_regenerated", identityID, string(method), meta.IPAddress, true, "")

	return plaintext, nil
}

// RemainingBackupCodes returns the number of unused codes, 0 when MFA is off
func (s *MFAService) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	profile, err := s.enabledProfile(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrMFANotEnabled) {
			return 0, nil
		}
		return 0, err
	}
	return profile.RemainingBackupCodes, nil
}

// Status summarizes the identity's MFA configuration
func (s *MFAService) Status(ctx context.Context, identityID string) (*models.MfaStatus, error) {
	status := &models.MfaStatus{Methods: []models.MFAMethod{}}

	profile, err := s.profiles.GetByIdentityID(ctx, identityID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, internalError(s.logger, "failed to load MFA profile", err, slog.String("identity_id", identityID))
	}
	if profile != nil {
		status.Enabled = profile.IsEnabled
		if methods := profile.EnabledMethods(); methods != nil {
			status.Methods = methods
		}
		status.LastUsedAt = profile.LastUsedAt
		status.EnabledAt = profile.EnabledAt
		status.IsEnforced = profile.IsEnforced
		status.GracePeriodEndsAt = profile.GracePeriodEndsAt
		if profile.IsEnabled {
			status.RemainingBackupCodes = profile.RemainingBackupCodes
		}
	}

	if !status.Enabled {
		setup, err := s.pending.Get(ctx, identityID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, internalError(s.logger, "failed to load pending MFA setup", err, slog.String("identity_id", identityID))
		}
		status.SetupPending = setup != nil && !setup.IsExpired(s.now())
	}

	return status, nil
}

// AuditLog lists MFA audit entries newest first
func (s *MFAService) AuditLog(ctx context.Context, identityID string, limit int) ([]*models.MfaAuditEntry, error) {
	entries, err := s.audits.ListByIdentity(ctx, identityID, limit)
	if err != nil {
		return nil, internalError(s.logger, "failed to list MFA audit log", err, slog.String("identity_id", identityID))
	}
	return entries, nil
}

// IsRequired reports whether a login must pass a second factor, and which
// factors can satisfy it
func (s *MFAService) IsRequired(ctx context.Context, identityID string) (bool, []models.MFAMethod, error) {
	profile, err := s.enabledProfile(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrMFANotEnabled) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return true, profile.EnabledMethods(), nil
}
