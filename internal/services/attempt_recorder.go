package services

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/google/uuid"
)

const (
	riskUnknownHandle   = 0.3
	riskNewIP           = 0.4
	riskNewDevice       = 0.2
	riskRecentFailures  = 0.3
	riskIPVolume        = 0.4
	riskLookupFailed    = 0.5
	recentFailureLimit  = 3
	ipVolumeLimit       = 10
	knownLocationWindow = 30 * 24 * time.Hour
	riskWindow          = time.Hour
)

// LoginAttemptRepository is the append-only attempt log
type LoginAttemptRepository interface {
	Create(ctx context.Context, attempt *models.LoginAttempt) error
	HasSuccessFromIP(ctx context.Context, identityID, ip string, since time.Time) (bool, error)
	HasSuccessFromDevice(ctx context.Context, identityID, fingerprint string, since time.Time) (bool, error)
	CountRecentFailures(ctx context.Context, identityID string, since time.Time) (int, error)
	CountByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// AttemptInput describes one authentication try
type AttemptInput struct {
	IdentityID    *string
	Handle        string
	Success       bool
	FailureReason models.FailureReason
	Device        models.DeviceMeta
	Policy        *models.SecurityPolicy // nil uses the default policy
}

// AttemptRecorder scores and persists login attempts. Recording is best effort.
type AttemptRecorder struct {
	repo    LoginAttemptRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAttemptRecorder creates a new AttemptRecorder
func NewAttemptRecorder(repo LoginAttemptRepository, m *metrics.Metrics, logger *slog.Logger) *AttemptRecorder {
	return &AttemptRecorder{repo: repo, metrics: m, logger: logger, now: time.Now}
}

// Record scores and stores the attempt. It never fails: a storage error is
// logged and counted, and the scored attempt is still returned.
func (r *AttemptRecorder) Record(ctx context.Context, in AttemptInput) *models.LoginAttempt {
	now := r.now()

	attempt := &models.LoginAttempt{
		ID:                uuid.New().String(),
		IdentityID:        in.IdentityID,
		Handle:            in.Handle,
		Success:           in.Success,
		IPAddress:         in.Device.IPAddress,
		UserAgent:         in.Device.UserAgent,
		DeviceFingerprint: in.Device.DeviceFingerprint,
		AttemptedAt:       now,
	}
	if !in.Success && in.FailureReason != "" {
		reason := in.FailureReason
		attempt.FailureReason = &reason
	}

	policy := models.DefaultSecurityPolicy()
	if in.Policy != nil {
		policy = *in.Policy
	}

	attempt.RiskScore = r.riskScore(ctx, in, now)
	attempt.IsSuspicious = policy.EnableSuspiciousActivityDetection &&
		attempt.RiskScore >= policy.SuspiciousActivityThreshold

	if err := r.repo.Create(ctx, attempt); err != nil {
		r.metrics.AttemptRecordFailed()
		r.logger.Error("failed to record login attempt",
			slog.String("attempt_id", attempt.ID),
			slog.Bool("success", attempt.Success),
			slog.Any("error", err))
	}

	return attempt
}

func (r *AttemptRecorder) riskScore(ctx context.Context, in AttemptInput, now time.Time) float64 {
	score, err := r.heuristics(ctx, in, now)
	if err != nil {
		r.logger.Warn("risk heuristics unavailable", slog.Any("error", err))
		return riskLookupFailed
	}
	return math.Min(score, 1.0)
}

func (r *AttemptRecorder) heuristics(ctx context.Context, in AttemptInput, now time.Time) (float64, error) {
	var score float64

	if in.Device.IPAddress != "" {
		n, err := r.repo.CountByIP(ctx, in.Device.IPAddress, now.Add(-riskWindow))
		if err != nil {
			return 0, err
		}
		if n > ipVolumeLimit {
			score += riskIPVolume
		}
	}

	if in.IdentityID == nil {
		return score + riskUnknownHandle, nil
	}
	id := *in.IdentityID

	if in.Device.IPAddress != "" {
		known, err := r.repo.HasSuccessFromIP(ctx, id, in.Device.IPAddress, now.Add(-knownLocationWindow))
		if err != nil {
			return 0, err
		}
		if !known {
			score += riskNewIP
		}
	}

	if in.Device.DeviceFingerprint != "" {
		known, err := r.repo.HasSuccessFromDevice(ctx, id, in.Device.DeviceFingerprint, now.Add(-knownLocationWindow))
		if err != nil {
			return 0, err
		}
		if !known {
			score += riskNewDevice
		}
	}

	failures, err := r.repo.CountRecentFailures(ctx, id, now.Add(-riskWindow))
	if err != nil {
		return 0, err
	}
	if failures >= recentFailureLimit {
		score += riskRecentFailures
	}

	return score, nil
}
