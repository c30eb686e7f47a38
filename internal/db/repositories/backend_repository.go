// backend_repository.go implements BackendRepository, the persistent directory
// of registered backends. The state manager resolves every operation's
// backend_id through this directory before touching the object store.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
)

// BackendRepository handles database operations for the backend directory
type BackendRepository struct {
	db *sqlx.DB
}

// NewBackendRepository creates a new backend directory repository
func NewBackendRepository(db *sqlx.DB) *BackendRepository {
	return &BackendRepository{db: db}
}

// Create inserts a new backend row. The surrogate id and timestamps are
// assigned here.
func (r *BackendRepository) Create(ctx context.Context, backend *models.Backend) error {
	backend.ID = uuid.New()
	backend.CreatedAt = time.Now()
	backend.UpdatedAt = backend.CreatedAt

	query := `
		INSERT INTO backends (
			id, backend_id, display_name, description, environment,
			storage_provider, encryption_enabled, versioning_enabled,
			version_retention, min_terraform_version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12
		)`

	_, err := r.db.ExecContext(ctx, query,
		backend.ID, backend.BackendID, backend.DisplayName, backend.Description, backend.Environment,
		backend.StorageProvider, backend.EncryptionEnabled, backend.VersioningEnabled,
		backend.VersionRetention, backend.MinTerraformVersion, backend.CreatedAt, backend.UpdatedAt,
	)
	return err
}

// GetByBackendID retrieves a backend by its slug. Returns (nil, nil) when no
// such backend is registered.
func (r *BackendRepository) GetByBackendID(ctx context.Context, backendID string) (*models.Backend, error) {
	var backend models.Backend
	query := `SELECT * FROM backends WHERE backend_id = $1`
	err := r.db.GetContext(ctx, &backend, query, backendID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &backend, nil
}

// List returns all registered backends ordered by slug.
func (r *BackendRepository) List(ctx context.Context) ([]*models.Backend, error) {
	var backends []*models.Backend
	query := `SELECT * FROM backends ORDER BY backend_id`
	err := r.db.SelectContext(ctx, &backends, query)
	return backends, err
}

// Update rewrites the mutable columns of a backend row.
func (r *BackendRepository) Update(ctx context.Context, backend *models.Backend) error {
	backend.UpdatedAt = time.Now()

	query := `
		UPDATE backends SET
			display_name = $1,
			description = $2,
			environment = $3,
			storage_provider = $4,
			encryption_enabled = $5,
			versioning_enabled = $6,
			version_retention = $7,
			min_terraform_version = $8,
			updated_at = $9
		WHERE backend_id = $10`

	_, err := r.db.ExecContext(ctx, query,
		backend.DisplayName, backend.Description, backend.Environment,
		backend.StorageProvider, backend.EncryptionEnabled, backend.VersioningEnabled,
		backend.VersionRetention, backend.MinTerraformVersion, backend.UpdatedAt,
		backend.BackendID,
	)
	return err
}

// Delete removes a backend row by slug and reports whether a row existed.
// Stored state objects are not touched; deregistering a backend only stops
// the service from resolving it.
func (r *BackendRepository) Delete(ctx context.Context, backendID string) (bool, error) {
	query := `DELETE FROM backends WHERE backend_id = $1`
	res, err := r.db.ExecContext(ctx, query, backendID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
