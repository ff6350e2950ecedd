package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/google/uuid"
)

// LockoutRepository persists lockout episodes
type LockoutRepository interface {
	GetActive(ctx context.Context, identityID string) (*models.LockoutRecord, error)
	LastReleasedAt(ctx context.Context, identityID string) (*time.Time, error)
	CountEscalating(ctx context.Context, identityID string) (int, error)
	Create(ctx context.Context, rec *models.LockoutRecord) error
	Release(ctx context.Context, recordID, identityID string, reason models.ReleaseReason, releasedBy *string, at time.Time) (bool, error)
	ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.LockoutRecord, error)
}

// FailureLog answers windowed questions over the attempt log
type FailureLog interface {
	CountFailuresSince(ctx context.Context, identityID string, since time.Time) (int, error)
	Statistics(ctx context.Context, identityID string, since time.Time) (*models.LoginStatistics, error)
	ListRecent(ctx context.Context, identityID string, since time.Time, limit int) ([]*models.LoginAttempt, error)
}

// IdentityReader looks up identities
type IdentityReader interface {
	GetByID(ctx context.Context, id string) (*models.Identity, error)
}

// PolicyResolver returns the effective policy for an identity
type PolicyResolver interface {
	Resolve(ctx context.Context, identityID string) (*models.SecurityPolicy, error)
}

// recentAttemptLimit caps the attempts listed with login statistics
const recentAttemptLimit = 20

// LockoutService implements progressive account lockout
type LockoutService struct {
	lockouts   LockoutRepository
	failures   FailureLog
	identities IdentityReader
	policies   PolicyResolver
	audit      *pkglogger.AuditLogger
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(
	lockouts LockoutRepository,
	failures FailureLog,
	identities IdentityReader,
	policies PolicyResolver,
	audit *pkglogger.AuditLogger,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LockoutService {
	return &LockoutService{
		lockouts:   lockouts,
		failures:   failures,
		identities: identities,
		policies:   policies,
		audit:      audit,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// IsLocked reports whether the identity is barred from authenticating. A
// timed lockout stops applying once its end time passes. The first check
// after that closes the record when the policy allows automatic unlock;
// otherwise the lapsed record stays open and is returned with false.
func (s *LockoutService) IsLocked(ctx context.Context, identityID string) (bool, *models.LockoutRecord, error) {
	rec, err := s.lockouts.GetActive(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil, nil
		}
		return false, nil, internalError(s.logger, "failed to load active lockout", err, slog.String("identity_id", identityID))
	}

	now := s.now()
	if rec.InEffect(now) {
		return true, rec, nil
	}

	policy, err := s.policies.Resolve(ctx, identityID)
	if err != nil {
		return false, nil, err
	}
	if !policy.AutoUnlockAfterLockoutPeriod {
		return false, rec, nil
	}

	released, err := s.lockouts.Release(ctx, rec.ID, identityID, models.ReleaseAutomaticTimeout, nil, now)
	if err != nil {
		return false, nil, internalError(s.logger, "failed to release expired lockout", err, slog.String("identity_id", identityID))
	}
	if released {
		s.audit.LogLockout(ctx, "lockout_released", identityID, "", string(models.ReleaseAutomaticTimeout), nil)
	}

	return false, nil, nil
}

// RecordFailure evaluates the failure log after a failed attempt and opens a
// lockout when the policy threshold is reached. Failures count from the latest
// of the window start, the last release and the last completed login.
func (s *LockoutService) RecordFailure(ctx context.Context, identityID string, attempt *models.LoginAttempt) (*models.LockoutDecision, error) {
	locked, active, err := s.IsLocked(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if locked {
		return &models.LockoutDecision{Locked: true, Record: active}, nil
	}

	policy, err := s.policies.Resolve(ctx, identityID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	since, err := s.countingSince(ctx, identityID, now.Add(-policy.FailedAttemptWindow()))
	if err != nil {
		return nil, err
	}
	if active != nil && active.EndsAt != nil && active.EndsAt.After(since) {
		// a lapsed episode counts like a release
		since = *active.EndsAt
	}

	count, err := s.failures.CountFailuresSince(ctx, identityID, since)
	if err != nil {
		return nil, internalError(s.logger, "failed to count failed attempts", err, slog.String("identity_id", identityID))
	}

	decision := &models.LockoutDecision{
		FailureCount: count,
		Remaining:    max(policy.MaxFailedLoginAttempts-count, 0),
	}
	if policy.MaxFailedLoginAttempts <= 0 || count < policy.MaxFailedLoginAttempts {
		return decision, nil
	}

	prior, err := s.lockouts.CountEscalating(ctx, identityID)
	if err != nil {
		return nil, internalError(s.logger, "failed to count prior lockouts", err, slog.String("identity_id", identityID))
	}

	duration := policy.LockoutDuration(prior)
	endsAt := now.Add(duration)
	minutes := int(duration / time.Minute)

	rec := &models.LockoutRecord{
		ID:                 uuid.New().String(),
		IdentityID:         identityID,
		Type:               models.LockoutAutomatic,
		Reason:             models.ReasonFailedLoginAttempts,
		Description:        fmt.Sprintf("%d failed attempts", count),
		StartedAt:          now,
		EndsAt:             &endsAt,
		DurationMinutes:    &minutes,
		FailedAttemptCount: count,
		EscalationLevel:    prior + 1,
	}
	if attempt != nil {
		attemptID := attempt.ID
		rec.TriggerAttemptID = &attemptID
		if attempt.FailureReason != nil && *attempt.FailureReason == models.FailureMFAFailed {
			rec.Reason = models.ReasonFailedMFAAttempts
		}
		if attempt.IsSuspicious {
			rec.Type = models.LockoutSuspiciousActivity
			rec.Reason = models.ReasonSuspiciousLoginPattern
		}
	}

	if err := s.closeLapsed(ctx, active); err != nil {
		return nil, err
	}

	if err := s.lockouts.Create(ctx, rec); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// a concurrent failure opened the episode first
			current, getErr := s.lockouts.GetActive(ctx, identityID)
			if getErr != nil {
				return nil, internalError(s.logger, "failed to load concurrent lockout", getErr, slog.String("identity_id", identityID))
			}
			return &models.LockoutDecision{Locked: true, Record: current, FailureCount: count}, nil
		}
		return nil, internalError(s.logger, "failed to create lockout", err, slog.String("identity_id", identityID))
	}

	if attempt != nil {
		attempt.TriggeredLockout = true
	}

	s.metrics.Lockout(string(rec.Type))
	s.audit.LogLockout(ctx, "lockout_imposed", identityID, "", string(rec.Reason), map[string]string{
		"type":             string(rec.Type),
		"duration_minutes": strconv.Itoa(minutes),
		"escalation_level": strconv.Itoa(rec.EscalationLevel),
	})

	return &models.LockoutDecision{Locked: true, Record: rec, FailureCount: count}, nil
}

// closeLapsed releases an expired record that was left open because the
// policy disables automatic unlock, so a new episode can be recorded.
func (s *LockoutService) closeLapsed(ctx context.Context, rec *models.LockoutRecord) error {
	if rec == nil {
		return nil
	}
	if _, err := s.lockouts.Release(ctx, rec.ID, rec.IdentityID, models.ReleaseSystemPolicy, nil, s.now()); err != nil {
		return internalError(s.logger, "failed to close lapsed lockout", err, slog.String("identity_id", rec.IdentityID))
	}
	s.audit.LogLockout(ctx, "lockout_released", rec.IdentityID, "", string(models.ReleaseSystemPolicy), nil)
	return nil
}

func (s *LockoutService) countingSince(ctx context.Context, identityID string, windowStart time.Time) (time.Time, error) {
	since := windowStart

	lastRelease, err := s.lockouts.LastReleasedAt(ctx, identityID)
	if err != nil {
		return time.Time{}, internalError(s.logger, "failed to load last lockout release", err, slog.String("identity_id", identityID))
	}
	if lastRelease != nil && lastRelease.After(since) {
		since = *lastRelease
	}

	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		return time.Time{}, internalError(s.logger, "failed to load identity", err, slog.String("identity_id", identityID))
	}
	if identity.LastLoginAt != nil && identity.LastLoginAt.After(since) {
		since = *identity.LastLoginAt
	}

	return since, nil
}

// Lock imposes an explicit lockout. A nil duration locks until an admin unlocks.
func (s *LockoutService) Lock(ctx context.Context, req models.LockRequest) (*models.LockoutRecord, error) {
	if req.ActorID != "" && req.ActorID == req.IdentityID {
		return nil, models.ErrPolicyViolation
	}
	if req.Duration != nil && *req.Duration <= 0 {
		return nil, models.ErrBadRequest
	}

	if _, err := s.identities.GetByID(ctx, req.IdentityID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, internalError(s.logger, "failed to load identity", err, slog.String("identity_id", req.IdentityID))
	}

	locked, lapsed, err := s.IsLocked(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, models.ErrAlreadyLocked
	}
	if err := s.closeLapsed(ctx, lapsed); err != nil {
		return nil, err
	}

	now := s.now()
	rec := &models.LockoutRecord{
		ID:              uuid.New().String(),
		IdentityID:      req.IdentityID,
		Type:            req.Type,
		Reason:          req.Reason,
		Description:     req.Description,
		StartedAt:       now,
		EscalationLevel: 1,
		IsManual:        true,
	}
	if rec.Type == "" {
		rec.Type = models.LockoutManual
	}
	if rec.Reason == "" {
		rec.Reason = models.ReasonManualLockout
	}
	if req.ActorID != "" {
		actor := req.ActorID
		rec.LockedBy = &actor
	}
	if req.Duration != nil {
		endsAt := now.Add(*req.Duration)
		minutes := int(*req.Duration / time.Minute)
		rec.EndsAt = &endsAt
		rec.DurationMinutes = &minutes
	}

	if err := s.lockouts.Create(ctx, rec); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrAlreadyLocked
		}
		return nil, internalError(s.logger, "failed to create lockout", err, slog.String("identity_id", req.IdentityID))
	}

	s.metrics.Lockout(string(rec.Type))
	s.audit.LogLockout(ctx, "lockout_imposed", req.IdentityID, req.ActorID, string(rec.Reason), map[string]string{
		"type":       string(rec.Type),
		"indefinite": strconv.FormatBool(rec.IsIndefinite()),
	})

	return rec, nil
}

// Unlock closes the active lockout. Failures before the release no longer count.
func (s *LockoutService) Unlock(ctx context.Context, identityID, actorID string, reason models.ReleaseReason) error {
	rec, err := s.lockouts.GetActive(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotLocked
		}
		return internalError(s.logger, "failed to load active lockout", err, slog.String("identity_id", identityID))
	}

	if reason == "" {
		reason = models.ReleaseManual
	}
	var releasedBy *string
	if actorID != "" {
		releasedBy = &actorID
	}

	released, err := s.lockouts.Release(ctx, rec.ID, identityID, reason, releasedBy, s.now())
	if err != nil {
		return internalError(s.logger, "failed to release lockout", err, slog.String("identity_id", identityID))
	}
	if !released {
		return models.ErrNotLocked
	}

	s.audit.LogLockout(ctx, "lockout_released", identityID, actorID, string(reason), nil)
	return nil
}

// Status returns the lockout currently in effect, or nil
func (s *LockoutService) Status(ctx context.Context, identityID string) (*models.LockoutRecord, error) {
	locked, rec, err := s.IsLocked(ctx, identityID)
	if err != nil || !locked {
		return nil, err
	}
	return rec, nil
}

// History lists lockout episodes newest first
func (s *LockoutService) History(ctx context.Context, identityID string, limit int) ([]*models.LockoutRecord, error) {
	records, err := s.lockouts.ListByIdentity(ctx, identityID, limit)
	if err != nil {
		return nil, internalError(s.logger, "failed to list lockouts", err, slog.String("identity_id", identityID))
	}
	return records, nil
}

// LoginStatistics aggregates login attempts since the given time
func (s *LockoutService) LoginStatistics(ctx context.Context, identityID string, since time.Time) (*models.LoginStatistics, error) {
	stats, err := s.failures.Statistics(ctx, identityID, since)
	if err != nil {
		return nil, internalError(s.logger, "failed to compute login statistics", err, slog.String("identity_id", identityID))
	}

	stats.RecentAttempts, err = s.failures.ListRecent(ctx, identityID, since, recentAttemptLimit)
	if err != nil {
		return nil, internalError(s.logger, "failed to list recent login attempts", err, slog.String("identity_id", identityID))
	}
	return stats, nil
}
