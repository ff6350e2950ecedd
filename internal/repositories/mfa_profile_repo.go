package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

// MFAProfileRepository persists per-identity MFA state
type MFAProfileRepository struct {
	db *database.DB
}

// NewMFAProfileRepository creates a new MFA profile repository
func NewMFAProfileRepository(db *database.DB) *MFAProfileRepository {
	return &MFAProfileRepository{db: db}
}

// EnableMFAInput carries everything committed when a TOTP setup is confirmed
type EnableMFAInput struct {
	IdentityID      string
	SetupSessionID  string
	SecretEncrypted []byte
	SecretNonce     []byte
	AcceptedStep    int64
	BackupCodes     []*models.BackupCode
	At              time.Time
}

const mfaProfileColumns = `identity_id, is_enabled, totp_enabled, email_otp_enabled, backup_codes_enabled,
	totp_secret_encrypted, totp_secret_nonce, last_totp_step, remaining_backup_codes, last_used_at,
	is_enforced, grace_period_ends_at, enabled_at, disabled_at, disabled_reason, created_at, updated_at`

func scanMFAProfileRow(row rowScanner) (*models.MfaProfile, error) {
	var p models.MfaProfile

	err := row.Scan(
		&p.IdentityID, &p.IsEnabled, &p.TOTPEnabled, &p.EmailOtpEnabled, &p.BackupCodesEnabled,
		&p.TOTPSecretEncrypted, &p.TOTPSecretNonce, &p.LastTOTPStep, &p.RemainingBackupCodes, &p.LastUsedAt,
		&p.IsEnforced, &p.GracePeriodEndsAt, &p.EnabledAt, &p.DisabledAt, &p.DisabledReason,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &p, nil
}

// GetByIdentityID returns the profile, or ErrNotFound when MFA was never set up
func (r *MFAProfileRepository) GetByIdentityID(ctx context.Context, identityID string) (*models.MfaProfile, error) {
	query := `SELECT ` + mfaProfileColumns + ` FROM mfa_profiles WHERE identity_id = $1`
	return scanMFAProfileRow(r.db.Pool.QueryRow(ctx, query, identityID))
}

// Enable consumes the pending setup and enables the profile with a fresh
// backup-code batch in one transaction. A superseded setup session yields
// ErrNotFound; a profile enabled concurrently yields ErrConflict.
func (r *MFAProfileRepository) Enable(ctx context.Context, in EnableMFAInput) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx,
			`DELETE FROM mfa_pending_setups WHERE identity_id = $1 AND setup_session_id = $2`,
			in.IdentityID, in.SetupSessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to consume pending setup: %w", err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		upsert := `
			INSERT INTO mfa_profiles (
				identity_id, is_enabled, totp_enabled, email_otp_enabled, backup_codes_enabled,
				totp_secret_encrypted, totp_secret_nonce, last_totp_step, remaining_backup_codes,
				enabled_at, created_at, updated_at
			)
			VALUES ($1, true, true, true, true, $2, $3, $4, $5, $6, $6, $6)
			ON CONFLICT (identity_id) DO UPDATE SET
				is_enabled = true,
				totp_enabled = true,
				email_otp_enabled = true,
				backup_codes_enabled = true,
				totp_secret_encrypted = EXCLUDED.totp_secret_encrypted,
				totp_secret_nonce = EXCLUDED.totp_secret_nonce,
				last_totp_step = EXCLUDED.last_totp_step,
				remaining_backup_codes = EXCLUDED.remaining_backup_codes,
				enabled_at = EXCLUDED.enabled_at,
				disabled_at = NULL,
				disabled_reason = NULL,
				updated_at = EXCLUDED.updated_at
			WHERE mfa_profiles.is_enabled = false
		`

		result, err = tx.Exec(ctx, upsert,
			in.IdentityID, in.SecretEncrypted, in.SecretNonce, in.AcceptedStep, len(in.BackupCodes), in.At,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrConflict
		}

		if err := invalidateBackupCodes(ctx, tx, in.IdentityID, in.At); err != nil {
			return err
		}

		return insertBackupCodes(ctx, tx, in.BackupCodes)
	})
}

// Disable turns MFA off, clears the seed and invalidates remaining backup codes.
// Returns ErrNotFound when the profile is not enabled.
func (r *MFAProfileRepository) Disable(ctx context.Context, identityID, reason string, at time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE mfa_profiles SET
				is_enabled = false, totp_enabled = false, email_otp_enabled = false,
				backup_codes_enabled = false, totp_secret_encrypted = NULL, totp_secret_nonce = NULL,
				remaining_backup_codes = 0, disabled_at = $2, disabled_reason = $3, updated_at = $2
			WHERE identity_id = $1 AND is_enabled
		`

		result, err := tx.Exec(ctx, query, identityID, at, reason)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM mfa_pending_setups WHERE identity_id = $1`, identityID); err != nil {
			return fmt.Errorf("failed to clear pending setup: %w", err)
		}

		return invalidateBackupCodes(ctx, tx, identityID, at)
	})
}

// AdvanceTOTPStep records step as the latest accepted TOTP time step. It
// reports false when an equal or later step was already accepted.
func (r *MFAProfileRepository) AdvanceTOTPStep(ctx context.Context, identityID string, step int64, at time.Time) (bool, error) {
	query := `
		UPDATE mfa_profiles SET last_totp_step = $2, last_used_at = $3, updated_at = $3
		WHERE identity_id = $1 AND is_enabled AND last_totp_step < $2
	`

	result, err := r.db.Pool.Exec(ctx, query, identityID, step, at)
	if err != nil {
		return false, fmt.Errorf("failed to advance TOTP step: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// TouchLastUsed stamps the last successful factor use
func (r *MFAProfileRepository) TouchLastUsed(ctx context.Context, identityID string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE mfa_profiles SET last_used_at = $2, updated_at = $2 WHERE identity_id = $1`,
		identityID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update MFA last used: %w", err)
	}
	return nil
}
