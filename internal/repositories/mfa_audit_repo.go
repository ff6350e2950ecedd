package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MFAAuditRepository appends and reads the MFA audit trail
type MFAAuditRepository struct {
	pool *pgxpool.Pool
}

// NewMFAAuditRepository creates a new MFAAuditRepository
func NewMFAAuditRepository(db *database.DB) *MFAAuditRepository {
	return &MFAAuditRepository{pool: db.Pool}
}

// Create appends an audit entry
func (r *MFAAuditRepository) Create(ctx context.Context, entry *models.MfaAuditEntry) error {
	return insertAuditEntry(ctx, r.pool, entry)
}

// CountFailuresSince counts failed verifications for an identity, across all methods
func (r *MFAAuditRepository) CountFailuresSince(ctx context.Context, identityID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM mfa_audit_entries
		WHERE identity_id = $1 AND action = $2 AND NOT success AND created_at > $3
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, identityID, string(models.MfaActionVerify), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count MFA failures: %w", err)
	}
	return count, nil
}

// ListByIdentity returns the newest entries first
func (r *MFAAuditRepository) ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.MfaAuditEntry, error) {
	query := `
		SELECT id, identity_id, action, method, success, failure_reason, ip_address,
			user_agent, risk_score, triggered_alert, created_at
		FROM mfa_audit_entries
		WHERE identity_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query MFA audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.MfaAuditEntry, 0)
	for rows.Next() {
		var e models.MfaAuditEntry
		var action string
		var method *string

		if err := rows.Scan(
			&e.ID, &e.IdentityID, &action, &method, &e.Success, &e.FailureReason,
			&e.IPAddress, &e.UserAgent, &e.RiskScore, &e.TriggeredAlert, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan MFA audit entry: %w", err)
		}

		e.Action = models.MfaAuditAction(action)
		if method != nil {
			m := models.MFAMethod(*method)
			e.Method = &m
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating MFA audit rows: %w", err)
	}

	return entries, nil
}

func insertAuditEntry(ctx context.Context, q database.Querier, e *models.MfaAuditEntry) error {
	query := `
		INSERT INTO mfa_audit_entries (
			id, identity_id, action, method, success, failure_reason, ip_address,
			user_agent, risk_score, triggered_alert, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var method *string
	if e.Method != nil {
		m := string(*e.Method)
		method = &m
	}

	_, err := q.Exec(ctx, query,
		e.ID, e.IdentityID, string(e.Action), method, e.Success, e.FailureReason,
		e.IPAddress, e.UserAgent, e.RiskScore, e.TriggeredAlert, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write MFA audit entry: %w", database.MapPostgresError(err))
	}
	return nil
}
