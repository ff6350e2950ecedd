package repositories

import (
	"context"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SecurityPolicyRepository reads the global default policy and per-identity overrides
type SecurityPolicyRepository struct {
	pool *pgxpool.Pool
}

func NewSecurityPolicyRepository(db *database.DB) *SecurityPolicyRepository {
	return &SecurityPolicyRepository{pool: db.Pool}
}

// GetDefault returns the global default policy, or ErrNotFound when it was never seeded
func (r *SecurityPolicyRepository) GetDefault(ctx context.Context) (*models.SecurityPolicy, error) {
	query := `
		SELECT max_failed_login_attempts, initial_lockout_duration_minutes, max_lockout_duration_minutes,
			lockout_multiplier, failed_attempt_window_minutes, enable_progressive_lockout,
			enable_suspicious_activity_detection, suspicious_activity_threshold,
			max_concurrent_sessions, session_timeout_minutes, send_security_alerts,
			security_log_retention_days, auto_unlock_after_lockout_period
		FROM security_policies WHERE is_default
	`

	var p models.SecurityPolicy
	err := r.pool.QueryRow(ctx, query).Scan(
		&p.MaxFailedLoginAttempts, &p.InitialLockoutDurationMinutes, &p.MaxLockoutDurationMinutes,
		&p.LockoutMultiplier, &p.FailedAttemptWindowMinutes, &p.EnableProgressiveLockout,
		&p.EnableSuspiciousActivityDetection, &p.SuspiciousActivityThreshold,
		&p.MaxConcurrentSessions, &p.SessionTimeoutMinutes, &p.SendSecurityAlerts,
		&p.SecurityLogRetentionDays, &p.AutoUnlockAfterLockoutPeriod,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &p, nil
}

// GetOverride returns the identity's override, or ErrNotFound when none exists
func (r *SecurityPolicyRepository) GetOverride(ctx context.Context, identityID string) (*models.PolicyOverride, error) {
	query := `
		SELECT identity_id, max_failed_login_attempts, initial_lockout_duration_minutes,
			max_lockout_duration_minutes, lockout_multiplier, failed_attempt_window_minutes,
			enable_progressive_lockout, enable_suspicious_activity_detection,
			suspicious_activity_threshold, max_concurrent_sessions, session_timeout_minutes,
			send_security_alerts, security_log_retention_days, auto_unlock_after_lockout_period,
			updated_at
		FROM security_policy_overrides WHERE identity_id = $1
	`

	var o models.PolicyOverride
	err := r.pool.QueryRow(ctx, query, identityID).Scan(
		&o.IdentityID, &o.MaxFailedLoginAttempts, &o.InitialLockoutDurationMinutes,
		&o.MaxLockoutDurationMinutes, &o.LockoutMultiplier, &o.FailedAttemptWindowMinutes,
		&o.EnableProgressiveLockout, &o.EnableSuspiciousActivityDetection,
		&o.SuspiciousActivityThreshold, &o.MaxConcurrentSessions, &o.SessionTimeoutMinutes,
		&o.SendSecurityAlerts, &o.SecurityLogRetentionDays, &o.AutoUnlockAfterLockoutPeriod,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &o, nil
}

// UpsertOverride stores an override; nil fields continue to inherit the default
func (r *SecurityPolicyRepository) UpsertOverride(ctx context.Context, o *models.PolicyOverride) error {
	query := `
		INSERT INTO security_policy_overrides (
			identity_id, max_failed_login_attempts, initial_lockout_duration_minutes,
			max_lockout_duration_minutes, lockout_multiplier, failed_attempt_window_minutes,
			enable_progressive_lockout, enable_suspicious_activity_detection,
			suspicious_activity_threshold, max_concurrent_sessions, session_timeout_minutes,
			send_security_alerts, security_log_retention_days, auto_unlock_after_lockout_period,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET
			max_failed_login_attempts = EXCLUDED.max_failed_login_attempts,
			initial_lockout_duration_minutes = EXCLUDED.initial_lockout_duration_minutes,
			max_lockout_duration_minutes = EXCLUDED.max_lockout_duration_minutes,
			lockout_multiplier = EXCLUDED.lockout_multiplier,
			failed_attempt_window_minutes = EXCLUDED.failed_attempt_window_minutes,
			enable_progressive_lockout = EXCLUDED.enable_progressive_lockout,
			enable_suspicious_activity_detection = EXCLUDED.enable_suspicious_activity_detection,
			suspicious_activity_threshold = EXCLUDED.suspicious_activity_threshold,
			max_concurrent_sessions = EXCLUDED.max_concurrent_sessions,
			session_timeout_minutes = EXCLUDED.session_timeout_minutes,
			send_security_alerts = EXCLUDED.send_security_alerts,
			security_log_retention_days = EXCLUDED.security_log_retention_days,
			auto_unlock_after_lockout_period = EXCLUDED.auto_unlock_after_lockout_period,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		o.IdentityID, o.MaxFailedLoginAttempts, o.InitialLockoutDurationMinutes,
		o.MaxLockoutDurationMinutes, o.LockoutMultiplier, o.FailedAttemptWindowMinutes,
		o.EnableProgressiveLockout, o.EnableSuspiciousActivityDetection,
		o.SuspiciousActivityThreshold, o.MaxConcurrentSessions, o.SessionTimeoutMinutes,
		o.SendSecurityAlerts, o.SecurityLogRetentionDays, o.AutoUnlockAfterLockoutPeriod,
	)
	return database.MapPostgresError(err)
}
