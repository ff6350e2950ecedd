package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoginAttemptRepository persists the append-only authentication attempt log
type LoginAttemptRepository struct {
	pool *pgxpool.Pool
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{pool: db.Pool}
}

// lockoutCountedReasons are the failure reasons that feed the lockout counter
var lockoutCountedReasons = []string{
	string(models.FailureInvalidCredential),
	string(models.FailureMFAFailed),
}

// Create appends an attempt. Rows are never updated afterwards.
func (r *LoginAttemptRepository) Create(ctx context.Context, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (
			id, identity_id, handle, success, failure_reason, ip_address,
			user_agent, device_fingerprint, risk_score, is_suspicious, attempted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var reason *string
	if attempt.FailureReason != nil {
		s := string(*attempt.FailureReason)
		reason = &s
	}

	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.IdentityID, attempt.Handle, attempt.Success, reason,
		attempt.IPAddress, attempt.UserAgent, attempt.DeviceFingerprint,
		attempt.RiskScore, attempt.IsSuspicious, attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", database.MapPostgresError(err))
	}

	return nil
}

// CountFailuresSince counts lockout-relevant failures for an identity after since
func (r *LoginAttemptRepository) CountFailuresSince(ctx context.Context, identityID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE identity_id = $1 AND success = false AND failure_reason = ANY($2) AND attempted_at > $3
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, identityID, lockoutCountedReasons, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return count, nil
}

// HasSuccessFromIP reports whether the identity logged in successfully from ip after since
func (r *LoginAttemptRepository) HasSuccessFromIP(ctx context.Context, identityID, ip string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM login_attempts
			WHERE identity_id = $1 AND success = true AND ip_address = $2 AND attempted_at > $3
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, identityID, ip, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check known IP: %w", err)
	}
	return exists, nil
}

// HasSuccessFromDevice reports whether the identity logged in successfully from the device after since
func (r *LoginAttemptRepository) HasSuccessFromDevice(ctx context.Context, identityID, fingerprint string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM login_attempts
			WHERE identity_id = $1 AND success = true AND device_fingerprint = $2 AND attempted_at > $3
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, identityID, fingerprint, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check known device: %w", err)
	}
	return exists, nil
}

// CountRecentFailures counts failures of any reason for an identity after since
func (r *LoginAttemptRepository) CountRecentFailures(ctx context.Context, identityID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM login_attempts WHERE identity_id = $1 AND success = false AND attempted_at > $2`

	var count int
	if err := r.pool.QueryRow(ctx, query, identityID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent failures: %w", err)
	}
	return count, nil
}

// CountByIP counts all attempts from an IP after since
func (r *LoginAttemptRepository) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM login_attempts WHERE ip_address = $1 AND attempted_at > $2`

	var count int
	if err := r.pool.QueryRow(ctx, query, ip, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count IP attempts: %w", err)
	}
	return count, nil
}

// Statistics aggregates attempts for an identity after since
func (r *LoginAttemptRepository) Statistics(ctx context.Context, identityID string, since time.Time) (*models.LoginStatistics, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE a.success),
			COUNT(*) FILTER (WHERE NOT a.success),
			COUNT(*) FILTER (WHERE a.is_suspicious),
			MAX(a.attempted_at) FILTER (WHERE a.success),
			MAX(a.attempted_at) FILTER (WHERE NOT a.success),
			COUNT(DISTINCT a.ip_address),
			COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM lockout_records l WHERE l.trigger_attempt_id = a.id
			))
		FROM login_attempts a
		WHERE a.identity_id = $1 AND a.attempted_at > $2
	`

	stats := &models.LoginStatistics{IdentityID: identityID, Since: since}
	err := r.pool.QueryRow(ctx, query, identityID, since).Scan(
		&stats.TotalAttempts, &stats.Successful, &stats.Failed, &stats.Suspicious,
		&stats.LastSuccessAt, &stats.LastFailureAt, &stats.DistinctIPCount,
		&stats.LockoutsTriggered,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute login statistics: %w", err)
	}

	return stats, nil
}

// ListRecent returns up to limit attempts for an identity after since, newest first
func (r *LoginAttemptRepository) ListRecent(ctx context.Context, identityID string, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	query := `
		SELECT a.id, a.identity_id, a.handle, a.success, a.failure_reason, a.ip_address,
		       a.user_agent, a.device_fingerprint, a.risk_score, a.is_suspicious, a.attempted_at,
		       EXISTS (SELECT 1 FROM lockout_records l WHERE l.trigger_attempt_id = a.id)
		FROM login_attempts a
		WHERE a.identity_id = $1 AND a.attempted_at > $2
		ORDER BY a.attempted_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, identityID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list login attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*models.LoginAttempt, 0)
	for rows.Next() {
		var a models.LoginAttempt
		var reason *string
		if err := rows.Scan(
			&a.ID, &a.IdentityID, &a.Handle, &a.Success, &reason, &a.IPAddress,
			&a.UserAgent, &a.DeviceFingerprint, &a.RiskScore, &a.IsSuspicious, &a.AttemptedAt,
			&a.TriggeredLockout,
		); err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		if reason != nil {
			fr := models.FailureReason(*reason)
			a.FailureReason = &fr
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login attempts: %w", err)
	}

	return attempts, nil
}

// DeleteOlderThan purges attempts past the retention horizon
func (r *LoginAttemptRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM login_attempts WHERE attempted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old login attempts: %w", err)
	}
	return result.RowsAffected(), nil
}
