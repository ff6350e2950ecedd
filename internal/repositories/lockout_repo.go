package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

// LockoutRepository persists lockout episodes and mirrors lock state onto identities
type LockoutRepository struct {
	db *database.DB
}

// NewLockoutRepository creates a new LockoutRepository
func NewLockoutRepository(db *database.DB) *LockoutRepository {
	return &LockoutRepository{db: db}
}

const lockoutColumns = `id, identity_id, lockout_type, reason, description, started_at, ends_at,
	duration_minutes, failed_attempt_count, escalation_level, is_manual, locked_by,
	trigger_attempt_id, released_at, release_reason, released_by`

func scanLockoutRow(row rowScanner) (*models.LockoutRecord, error) {
	var rec models.LockoutRecord
	var lockoutType, reason string
	var releaseReason *string

	err := row.Scan(
		&rec.ID, &rec.IdentityID, &lockoutType, &reason, &rec.Description,
		&rec.StartedAt, &rec.EndsAt, &rec.DurationMinutes, &rec.FailedAttemptCount,
		&rec.EscalationLevel, &rec.IsManual, &rec.LockedBy, &rec.TriggerAttemptID,
		&rec.ReleasedAt, &releaseReason, &rec.ReleasedBy,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	rec.Type = models.LockoutType(lockoutType)
	rec.Reason = models.LockoutReason(reason)
	if releaseReason != nil {
		rr := models.ReleaseReason(*releaseReason)
		rec.ReleaseReason = &rr
	}

	return &rec, nil
}

// GetActive returns the unreleased record for an identity, or ErrNotFound
func (r *LockoutRepository) GetActive(ctx context.Context, identityID string) (*models.LockoutRecord, error) {
	query := `SELECT ` + lockoutColumns + ` FROM lockout_records WHERE identity_id = $1 AND released_at IS NULL`
	return scanLockoutRow(r.db.Pool.QueryRow(ctx, query, identityID))
}

// LastReleasedAt returns when the most recent episode was released, or nil
func (r *LockoutRepository) LastReleasedAt(ctx context.Context, identityID string) (*time.Time, error) {
	query := `SELECT MAX(released_at) FROM lockout_records WHERE identity_id = $1`

	var last *time.Time
	if err := r.db.Pool.QueryRow(ctx, query, identityID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to get last release: %w", err)
	}
	return last, nil
}

// CountEscalating counts every prior episode whose type drives progressive escalation
func (r *LockoutRepository) CountEscalating(ctx context.Context, identityID string) (int, error) {
	query := `SELECT COUNT(*) FROM lockout_records WHERE identity_id = $1 AND lockout_type = ANY($2)`

	types := []string{
		string(models.LockoutAutomatic),
		string(models.LockoutSuspiciousActivity),
		string(models.LockoutProgressive),
	}

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, identityID, types).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count prior lockouts: %w", err)
	}
	return count, nil
}

// Create inserts a new active record and mirrors the lock onto the identity in
// one transaction. A second active record for the same identity violates the
// partial unique index and is returned as ErrConflict.
func (r *LockoutRepository) Create(ctx context.Context, rec *models.LockoutRecord) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO lockout_records (
				id, identity_id, lockout_type, reason, description, started_at, ends_at,
				duration_minutes, failed_attempt_count, escalation_level, is_manual,
				locked_by, trigger_attempt_id
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`

		_, err := tx.Exec(ctx, query,
			rec.ID, rec.IdentityID, string(rec.Type), string(rec.Reason), rec.Description,
			rec.StartedAt, rec.EndsAt, rec.DurationMinutes, rec.FailedAttemptCount,
			rec.EscalationLevel, rec.IsManual, rec.LockedBy, rec.TriggerAttemptID,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		mirror := `UPDATE identities SET is_locked = true, locked_until = $1, updated_at = $2 WHERE id = $3`
		if _, err := tx.Exec(ctx, mirror, rec.EndsAt, rec.StartedAt, rec.IdentityID); err != nil {
			return fmt.Errorf("failed to mirror lock state: %w", err)
		}

		return nil
	})
}

// Release closes an active record. It reports false when the record was already
// released, so concurrent releases close it exactly once.
func (r *LockoutRepository) Release(ctx context.Context, recordID, identityID string, reason models.ReleaseReason, releasedBy *string, at time.Time) (bool, error) {
	released := false

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE lockout_records
			SET released_at = $1, release_reason = $2, released_by = $3
			WHERE id = $4 AND identity_id = $5 AND released_at IS NULL
		`

		result, err := tx.Exec(ctx, query, at, string(reason), releasedBy, recordID, identityID)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}
		released = true

		mirror := `UPDATE identities SET is_locked = false, locked_until = NULL, updated_at = $1 WHERE id = $2`
		if _, err := tx.Exec(ctx, mirror, at, identityID); err != nil {
			return fmt.Errorf("failed to clear lock state: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return released, nil
}

// ListByIdentity returns lockout history, newest first
func (r *LockoutRepository) ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.LockoutRecord, error) {
	query := `SELECT ` + lockoutColumns + ` FROM lockout_records WHERE identity_id = $1 ORDER BY started_at DESC LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lockout history: %w", err)
	}
	defer rows.Close()

	records := make([]*models.LockoutRecord, 0)
	for rows.Next() {
		rec, err := scanLockoutRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lockout record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lockout rows: %w", err)
	}

	return records, nil
}
