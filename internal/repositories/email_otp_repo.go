package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

// EmailOtpRepository persists hashed email one-time codes
type EmailOtpRepository struct {
	db *database.DB
}

func NewEmailOtpRepository(db *database.DB) *EmailOtpRepository {
	return &EmailOtpRepository{db: db}
}

const emailOtpColumns = `id, identity_id, email, code_hash, purpose, is_used, used_at, expires_at,
	attempt_count, max_attempts, is_blocked, ip_address, created_at`

func scanEmailOtpRow(row rowScanner) (*models.EmailOtp, error) {
	var o models.EmailOtp
	var purpose string

	err := row.Scan(
		&o.ID, &o.IdentityID, &o.Email, &o.CodeHash, &purpose, &o.IsUsed, &o.UsedAt,
		&o.ExpiresAt, &o.AttemptCount, &o.MaxAttempts, &o.IsBlocked, &o.IPAddress, &o.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	o.Purpose = models.OtpPurpose(purpose)
	return &o, nil
}

// Create stores a new OTP and expires any earlier live OTP of the same purpose
func (r *EmailOtpRepository) Create(ctx context.Context, otp *models.EmailOtp) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE email_otps SET expires_at = $3
			WHERE identity_id = $1 AND purpose = $2 AND NOT is_used AND NOT is_blocked AND expires_at > $3
		`, otp.IdentityID, string(otp.Purpose), otp.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to supersede earlier OTPs: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO email_otps (id, identity_id, email, code_hash, purpose, expires_at, max_attempts, ip_address, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, otp.ID, otp.IdentityID, otp.Email, otp.CodeHash, string(otp.Purpose),
			otp.ExpiresAt, otp.MaxAttempts, otp.IPAddress, otp.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert OTP: %w", database.MapPostgresError(err))
		}
		return nil
	})
}

// GetLatest returns the newest OTP for identity and purpose in any state, or ErrNotFound
func (r *EmailOtpRepository) GetLatest(ctx context.Context, identityID string, purpose models.OtpPurpose) (*models.EmailOtp, error) {
	query := `SELECT ` + emailOtpColumns + ` FROM email_otps
		WHERE identity_id = $1 AND purpose = $2 ORDER BY created_at DESC LIMIT 1`
	return scanEmailOtpRow(r.db.Pool.QueryRow(ctx, query, identityID, string(purpose)))
}

// RegisterAttempt atomically increments the attempt counter of a live OTP and
// returns the new count. ErrNotFound means the OTP became terminal meanwhile.
func (r *EmailOtpRepository) RegisterAttempt(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE email_otps SET attempt_count = attempt_count + 1
		WHERE id = $1 AND NOT is_used AND NOT is_blocked
		RETURNING attempt_count
	`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, id).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// MarkUsed flips a live OTP to used. Reports false when another request got there first.
func (r *EmailOtpRepository) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE email_otps SET is_used = true, used_at = $2
		WHERE id = $1 AND NOT is_used AND NOT is_blocked
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark OTP used: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Block permanently rejects an OTP
func (r *EmailOtpRepository) Block(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, `UPDATE email_otps SET is_blocked = true WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to block OTP: %w", err)
	}
	return nil
}

// DeleteExpired removes OTPs that expired before the given time
func (r *EmailOtpRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM email_otps WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired OTPs: %w", err)
	}
	return result.RowsAffected(), nil
}
