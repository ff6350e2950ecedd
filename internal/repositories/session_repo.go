package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

// SessionRepository persists login sessions. Rows are deactivated, never deleted.
type SessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// RotateInput describes a refresh-token rotation
type RotateInput struct {
	SessionID             string
	OldRefreshTokenID     string
	SessionTokenID        string
	SessionTokenExpiresAt time.Time
	RefreshTokenID        string
	RefreshTokenExpiresAt time.Time
	ExpiresAt             time.Time
	At                    time.Time
}

const sessionColumns = `id, identity_id, session_token_id, session_token_expires_at, refresh_token_id,
	refresh_token_expires_at, ip_address, user_agent, device_fingerprint, device_name, device_type,
	is_active, created_at, expires_at, last_accessed_at, ended_at, end_reason`

func scanSessionRow(row rowScanner) (*models.Session, error) {
	var s models.Session
	var endReason *string

	err := row.Scan(
		&s.ID, &s.IdentityID, &s.SessionTokenID, &s.SessionTokenExpiresAt, &s.RefreshTokenID,
		&s.RefreshTokenExpiresAt, &s.IPAddress, &s.UserAgent, &s.DeviceFingerprint, &s.DeviceName,
		&s.DeviceType, &s.IsActive, &s.CreatedAt, &s.ExpiresAt, &s.LastAccessedAt, &s.EndedAt, &endReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if endReason != nil {
		r := models.SessionEndReason(*endReason)
		s.EndReason = &r
	}

	return &s, nil
}

func scanSessionRows(rows pgx.Rows) ([]*models.Session, error) {
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// CreateWithEviction inserts s after deactivating the least recently accessed
// active sessions needed to keep the identity below maxActive. The identity row
// is locked for the duration so concurrent logins serialize per identity.
func (r *SessionRepository) CreateWithEviction(ctx context.Context, s *models.Session, maxActive int) ([]*models.Session, error) {
	var evicted []*models.Session

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM identities WHERE id = $1 FOR UPDATE`, s.IdentityID).Scan(&locked); err != nil {
			return database.MapPostgresError(err)
		}

		// sessions past their expiry no longer count toward the cap
		if _, err := tx.Exec(ctx, `
			UPDATE sessions SET is_active = false, ended_at = $2, end_reason = $3
			WHERE identity_id = $1 AND is_active AND expires_at <= $2
		`, s.IdentityID, s.CreatedAt, string(models.SessionEndExpired)); err != nil {
			return fmt.Errorf("failed to expire stale sessions: %w", err)
		}

		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM sessions WHERE identity_id = $1 AND is_active`, s.IdentityID,
		).Scan(&active); err != nil {
			return fmt.Errorf("failed to count active sessions: %w", err)
		}

		if excess := active - maxActive + 1; maxActive > 0 && excess > 0 {
			rows, err := tx.Query(ctx, `
				UPDATE sessions SET is_active = false, ended_at = $2, end_reason = $3
				WHERE id IN (
					SELECT id FROM sessions
					WHERE identity_id = $1 AND is_active
					ORDER BY last_accessed_at ASC, created_at ASC
					LIMIT $4
				)
				RETURNING `+sessionColumns,
				s.IdentityID, s.CreatedAt, string(models.SessionEndEvicted), excess,
			)
			if err != nil {
				return fmt.Errorf("failed to evict sessions: %w", err)
			}
			if evicted, err = scanSessionRows(rows); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (
				id, identity_id, session_token_id, session_token_expires_at, refresh_token_id,
				refresh_token_expires_at, ip_address, user_agent, device_fingerprint, device_name,
				device_type, is_active, created_at, expires_at, last_accessed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true, $12, $13, $14)
		`, s.ID, s.IdentityID, s.SessionTokenID, s.SessionTokenExpiresAt, s.RefreshTokenID,
			s.RefreshTokenExpiresAt, s.IPAddress, s.UserAgent, s.DeviceFingerprint, s.DeviceName,
			s.DeviceType, s.CreatedAt, s.ExpiresAt, s.LastAccessedAt)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", database.MapPostgresError(err))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return evicted, nil
}

// GetByID returns a session regardless of state, or ErrNotFound
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.db.Pool.QueryRow(ctx, query, id))
}

// Rotate swaps the token identifiers and extends expiry, conditional on the
// presented refresh token still being current. Reports false on replay.
func (r *SessionRepository) Rotate(ctx context.Context, in RotateInput) (bool, error) {
	query := `
		UPDATE sessions SET
			session_token_id = $3, session_token_expires_at = $4,
			refresh_token_id = $5, refresh_token_expires_at = $6,
			expires_at = $7, last_accessed_at = $8
		WHERE id = $1 AND refresh_token_id = $2 AND is_active AND expires_at > $8
	`

	result, err := r.db.Pool.Exec(ctx, query,
		in.SessionID, in.OldRefreshTokenID, in.SessionTokenID, in.SessionTokenExpiresAt,
		in.RefreshTokenID, in.RefreshTokenExpiresAt, in.ExpiresAt, in.At,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rotate session tokens: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Deactivate ends one active session owned by identityID and returns it.
// ErrNotFound when no such active session exists.
func (r *SessionRepository) Deactivate(ctx context.Context, id, identityID string, reason models.SessionEndReason, at time.Time) (*models.Session, error) {
	query := `
		UPDATE sessions SET is_active = false, ended_at = $3, end_reason = $4
		WHERE id = $1 AND identity_id = $2 AND is_active
		RETURNING ` + sessionColumns

	return scanSessionRow(r.db.Pool.QueryRow(ctx, query, id, identityID, at, string(reason)))
}

// DeactivateAll ends every active session of an identity
func (r *SessionRepository) DeactivateAll(ctx context.Context, identityID string, reason models.SessionEndReason, at time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE sessions SET is_active = false, ended_at = $2, end_reason = $3
		WHERE identity_id = $1 AND is_active
	`, identityID, at, string(reason))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeactivateOthers ends every active session except keepID and returns them
func (r *SessionRepository) DeactivateOthers(ctx context.Context, identityID, keepID string, reason models.SessionEndReason, at time.Time) ([]*models.Session, error) {
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE sessions SET is_active = false, ended_at = $3, end_reason = $4
		WHERE identity_id = $1 AND id <> $2 AND is_active
		RETURNING `+sessionColumns,
		identityID, keepID, at, string(reason),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate other sessions: %w", err)
	}
	return scanSessionRows(rows)
}

// ListByIdentity returns sessions newest first; activeOnly filters to usable sessions at now
func (r *SessionRepository) ListByIdentity(ctx context.Context, identityID string, activeOnly bool, now time.Time, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE identity_id = $1 AND (NOT $2 OR (is_active AND expires_at > $3))
		ORDER BY created_at DESC LIMIT $4`

	rows, err := r.db.Pool.Query(ctx, query, identityID, activeOnly, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return scanSessionRows(rows)
}

// Touch updates last_accessed_at of an active session
func (r *SessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE sessions SET last_accessed_at = $2 WHERE id = $1 AND is_active AND last_accessed_at < $2`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Statistics aggregates an identity's sessions; recent lists cover sessions created after recentSince
func (r *SessionRepository) Statistics(ctx context.Context, identityID string, now, recentSince time.Time) (*models.SessionStatistics, error) {
	stats := &models.SessionStatistics{
		IdentityID:    identityID,
		RecentIPs:     []string{},
		RecentDevices: []string{},
		DeviceTypes:   map[string]int{},
	}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active AND expires_at > $2),
			COUNT(*) FILTER (WHERE expires_at <= $2 OR end_reason = $3)
		FROM sessions WHERE identity_id = $1
	`, identityID, now, string(models.SessionEndExpired)).Scan(
		&stats.TotalSessions, &stats.ActiveSessions, &stats.ExpiredSessions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	if stats.TotalSessions == 0 {
		return stats, nil
	}

	var lastLogin time.Time
	err = r.db.Pool.QueryRow(ctx, `
		SELECT created_at, ip_address, COALESCE(NULLIF(device_name, ''), device_type)
		FROM sessions WHERE identity_id = $1 ORDER BY created_at DESC LIMIT 1
	`, identityID).Scan(&lastLogin, &stats.LastLoginIP, &stats.LastLoginDevice)
	if err != nil {
		return nil, fmt.Errorf("failed to get last login: %w", database.MapPostgresError(err))
	}
	stats.LastLoginAt = &lastLogin

	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ip_address FROM sessions
		WHERE identity_id = $1 AND created_at > $2 AND ip_address <> ''
		ORDER BY ip_address
	`, identityID, recentSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent IPs: %w", err)
	}
	if stats.RecentIPs, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return nil, fmt.Errorf("failed to scan recent IPs: %w", err)
	}

	rows, err = r.db.Pool.Query(ctx, `
		SELECT DISTINCT device_fingerprint FROM sessions
		WHERE identity_id = $1 AND created_at > $2 AND device_fingerprint <> ''
		ORDER BY device_fingerprint
	`, identityID, recentSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent devices: %w", err)
	}
	if stats.RecentDevices, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return nil, fmt.Errorf("failed to scan recent devices: %w", err)
	}

	rows, err = r.db.Pool.Query(ctx, `
		SELECT device_type, COUNT(*) FROM sessions WHERE identity_id = $1 GROUP BY device_type
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to group device types: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var deviceType string
		var count int
		if err := rows.Scan(&deviceType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan device type: %w", err)
		}
		stats.DeviceTypes[deviceType] = count
	}

	return stats, rows.Err()
}

// ExpireStale deactivates sessions whose expiry has passed
func (r *SessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE sessions SET is_active = false, ended_at = $1, end_reason = $2
		WHERE is_active AND expires_at <= $1
	`, now, string(models.SessionEndExpired))
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	return result.RowsAffected(), nil
}
