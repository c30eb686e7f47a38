// lock_audit_repository.go implements LockAuditRepository, the durable trail
// of lock lifecycle events. It doubles as the coordinator's force-unlock
// Recorder so expiries and operator interventions reach the same table as
// ordinary acquire/release events.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

// expiredReason is the exact reason string the lock coordinator uses for its
// lazy-expiry cleanup; it distinguishes expiries from operator force unlocks.
const expiredReason = "Lock expired"

// LockAuditRepository handles lock audit trail database operations
type LockAuditRepository struct {
	db *sql.DB
}

// NewLockAuditRepository creates a new LockAuditRepository
func NewLockAuditRepository(db *sql.DB) *LockAuditRepository {
	return &LockAuditRepository{db: db}
}

// Insert writes one audit entry. The id and timestamp are assigned here.
func (r *LockAuditRepository) Insert(ctx context.Context, entry *models.LockAuditEntry) error {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now()

	query := `
		INSERT INTO lock_audit (id, backend_id, workspace, event, lock_id, who, operation, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.BackendID,
		entry.Workspace,
		entry.Event,
		entry.LockID,
		entry.Who,
		entry.Operation,
		entry.Reason,
		entry.CreatedAt,
	)
	return err
}

// RecordForceUnlock implements the lock coordinator's Recorder interface.
// The coordinator's lazy-expiry cleanup is stored as its own event type;
// everything else is a force unlock.
func (r *LockAuditRepository) RecordForceUnlock(ctx context.Context, backendID, workspace, reason string, previous *state.LockInfo) error {
	event := models.LockEventForceUnlocked
	if reason == expiredReason {
		event = models.LockEventExpired
	}

	entry := &models.LockAuditEntry{
		BackendID: backendID,
		Workspace: workspace,
		Event:     event,
		Reason:    &reason,
	}
	if previous != nil {
		entry.LockID = &previous.ID
		entry.Who = &previous.Who
		entry.Operation = &previous.Operation
	}
	return r.Insert(ctx, entry)
}

const lockAuditColumns = `id, backend_id, workspace, event, lock_id, who, operation, reason, created_at`

func scanLockAuditRows(rows *sql.Rows) ([]*models.LockAuditEntry, error) {
	defer rows.Close()

	entries := make([]*models.LockAuditEntry, 0)
	for rows.Next() {
		entry := &models.LockAuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.BackendID,
			&entry.Workspace,
			&entry.Event,
			&entry.LockID,
			&entry.Who,
			&entry.Operation,
			&entry.Reason,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListByWorkspace retrieves the newest audit entries for one
// (backend, workspace) pair.
func (r *LockAuditRepository) ListByWorkspace(ctx context.Context, backendID, workspace string, limit int) ([]*models.LockAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + lockAuditColumns + `
		FROM lock_audit
		WHERE backend_id = $1 AND workspace = $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, backendID, workspace, limit)
	if err != nil {
		return nil, err
	}
	return scanLockAuditRows(rows)
}

// ListRecent retrieves the newest audit entries across all workspaces.
func (r *LockAuditRepository) ListRecent(ctx context.Context, limit int) ([]*models.LockAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + lockAuditColumns + `
		FROM lock_audit
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return scanLockAuditRows(rows)
}
