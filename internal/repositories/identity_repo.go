package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IdentityRepository struct {
	pool *pgxpool.Pool
}

func NewIdentityRepository(db *database.DB) *IdentityRepository {
	return &IdentityRepository{pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const identityColumns = `id, handle, email, secret_hash, role, is_active, is_deleted, is_locked, locked_until, last_login_at, created_at, updated_at`

// scanIdentityRow handles nullable fields and populates an Identity model from a database row
func scanIdentityRow(scanner rowScanner) (*models.Identity, error) {
	var identity models.Identity

	err := scanner.Scan(
		&identity.ID, &identity.Handle, &identity.Email, &identity.SecretHash,
		&identity.Role, &identity.IsActive, &identity.IsDeleted, &identity.IsLocked,
		&identity.LockedUntil, &identity.LastLoginAt,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &identity, nil
}

func (r *IdentityRepository) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return scanIdentityRow(r.pool.QueryRow(ctx, query, id))
}

// GetByHandle looks up an identity by its normalized login handle
func (r *IdentityRepository) GetByHandle(ctx context.Context, handle string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE handle = $1`
	return scanIdentityRow(r.pool.QueryRow(ctx, query, models.NormalizeHandle(handle)))
}

func (r *IdentityRepository) Create(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	identity.ID = uuid.New().String()
	identity.Handle = models.NormalizeHandle(identity.Handle)

	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	if identity.Role == "" {
		identity.Role = models.RoleUser
	}
	if identity.Email == "" {
		identity.Email = identity.Handle
	}

	query := `
		INSERT INTO identities (id, handle, email, secret_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + identityColumns

	return scanIdentityRow(r.pool.QueryRow(ctx, query,
		identity.ID, identity.Handle, identity.Email, identity.SecretHash,
		identity.Role, identity.IsActive, identity.CreatedAt, identity.UpdatedAt,
	))
}

// UpdateLastLogin stamps the time of the latest successful authentication
func (r *IdentityRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE identities SET last_login_at = $1, updated_at = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}
