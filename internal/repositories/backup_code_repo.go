package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

// BackupCodeRepository persists hashed single-use recovery codes
type BackupCodeRepository struct {
	db *database.DB
}

func NewBackupCodeRepository(db *database.DB) *BackupCodeRepository {
	return &BackupCodeRepository{db: db}
}

// ListUsable returns unused, non-invalidated, unexpired codes of an enabled profile
func (r *BackupCodeRepository) ListUsable(ctx context.Context, identityID string, now time.Time) ([]*models.BackupCode, error) {
	query := `
		SELECT id, identity_id, code_hash, is_used, used_at, used_from_ip, expires_at, batch_id, invalidated_at, created_at
		FROM backup_codes
		WHERE identity_id = $1 AND NOT is_used AND invalidated_at IS NULL
			AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at
	`

	rows, err := r.db.Pool.Query(ctx, query, identityID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*models.BackupCode, 0)
	for rows.Next() {
		var c models.BackupCode
		if err := rows.Scan(
			&c.ID, &c.IdentityID, &c.CodeHash, &c.IsUsed, &c.UsedAt, &c.UsedFromIP,
			&c.ExpiresAt, &c.BatchID, &c.InvalidatedAt, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup codes: %w", err)
	}

	return codes, nil
}

// Consume marks a code used, decrements the remaining count and appends the
// audit entry in a single transaction. Only one caller can flip a code: the
// loser of a race gets ErrNotFound and nothing is written.
func (r *BackupCodeRepository) Consume(ctx context.Context, codeID, identityID, ip string, at time.Time, entry *models.MfaAuditEntry) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE backup_codes SET is_used = true, used_at = $3, used_from_ip = $4
			WHERE id = $1 AND identity_id = $2 AND NOT is_used AND invalidated_at IS NULL
		`, codeID, identityID, at, ip)
		if err != nil {
			return fmt.Errorf("failed to mark backup code used: %w", err)
		}
		if result.RowsAffected() != 1 {
			return models.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `
			UPDATE mfa_profiles
			SET remaining_backup_codes = GREATEST(remaining_backup_codes - 1, 0), last_used_at = $2, updated_at = $2
			WHERE identity_id = $1
		`, identityID, at); err != nil {
			return fmt.Errorf("failed to decrement backup codes: %w", err)
		}

		return insertAuditEntry(ctx, tx, entry)
	})
}

// Regenerate invalidates the active batch and stores a new one. Returns
// ErrNotFound when MFA is not enabled for the identity.
func (r *BackupCodeRepository) Regenerate(ctx context.Context, identityID string, codes []*models.BackupCode, at time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE mfa_profiles SET remaining_backup_codes = $2, backup_codes_enabled = true, updated_at = $3
			WHERE identity_id = $1 AND is_enabled
		`, identityID, len(codes), at)
		if err != nil {
			return fmt.Errorf("failed to reset backup code count: %w", err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		if err := invalidateBackupCodes(ctx, tx, identityID, at); err != nil {
			return err
		}

		return insertBackupCodes(ctx, tx, codes)
	})
}

func invalidateBackupCodes(ctx context.Context, q database.Querier, identityID string, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE backup_codes SET invalidated_at = $2
		WHERE identity_id = $1 AND NOT is_used AND invalidated_at IS NULL
	`, identityID, at)
	if err != nil {
		return fmt.Errorf("failed to invalidate backup codes: %w", err)
	}
	return nil
}

func insertBackupCodes(ctx context.Context, tx pgx.Tx, codes []*models.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}

	query := `
		INSERT INTO backup_codes (id, identity_id, code_hash, expires_at, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	batch := &pgx.Batch{}
	for _, c := range codes {
		batch.Queue(query, c.ID, c.IdentityID, c.CodeHash, c.ExpiresAt, c.BatchID, c.CreatedAt)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert backup codes: %w", database.MapPostgresError(err))
	}
	return nil
}
