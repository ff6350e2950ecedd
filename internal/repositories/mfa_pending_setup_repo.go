package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PendingSetupRepository stores the single unconfirmed TOTP enrollment per identity
type PendingSetupRepository struct {
	pool *pgxpool.Pool
}

func NewPendingSetupRepository(db *database.DB) *PendingSetupRepository {
	return &PendingSetupRepository{pool: db.Pool}
}

// Upsert replaces any previous pending setup, invalidating its session id
func (r *PendingSetupRepository) Upsert(ctx context.Context, setup *models.PendingMfaSetup) error {
	query := `
		INSERT INTO mfa_pending_setups (identity_id, setup_session_id, secret_encrypted, secret_nonce, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity_id) DO UPDATE SET
			setup_session_id = EXCLUDED.setup_session_id,
			secret_encrypted = EXCLUDED.secret_encrypted,
			secret_nonce = EXCLUDED.secret_nonce,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
	`

	_, err := r.pool.Exec(ctx, query,
		setup.IdentityID, setup.SetupSessionID, setup.SecretEncrypted,
		setup.SecretNonce, setup.ExpiresAt, setup.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// Get returns the pending setup for an identity, or ErrNotFound
func (r *PendingSetupRepository) Get(ctx context.Context, identityID string) (*models.PendingMfaSetup, error) {
	query := `
		SELECT identity_id, setup_session_id, secret_encrypted, secret_nonce, expires_at, created_at
		FROM mfa_pending_setups WHERE identity_id = $1
	`

	var s models.PendingMfaSetup
	err := r.pool.QueryRow(ctx, query, identityID).Scan(
		&s.IdentityID, &s.SetupSessionID, &s.SecretEncrypted, &s.SecretNonce, &s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

// DeleteExpired removes setups that expired before the given time
func (r *PendingSetupRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM mfa_pending_setups WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired setups: %w", err)
	}
	return result.RowsAffected(), nil
}
