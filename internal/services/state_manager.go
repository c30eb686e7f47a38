// Package services implements higher-level business logic that coordinates
// across multiple subsystems. The state Manager, for example, fronts every
// state operation: it resolves the backend registration, enforces cooperative
// locking and the terraform version floor, delegates storage to the object
// store and locking to the Redis coordinator, and emits the audit trail — a
// multi-step orchestration that spans several domain boundaries.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tfstate-backend/tfstate-backend/internal/audit"
	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
	"github.com/tfstate-backend/tfstate-backend/internal/locking"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
	"github.com/tfstate-backend/tfstate-backend/internal/statestore"
	"github.com/tfstate-backend/tfstate-backend/internal/telemetry"
	"github.com/tfstate-backend/tfstate-backend/internal/validation"
)

// BackendDirectory resolves backend registrations. repositories.BackendRepository
// implements it; the indirection keeps the manager testable without a database.
// Implementations return (nil, nil) for an unknown backend id.
type BackendDirectory interface {
	GetByBackendID(ctx context.Context, backendID string) (*models.Backend, error)
}

// LockAuditor persists lock lifecycle events. repositories.LockAuditRepository
// implements it. A nil auditor means acquire and release events are only
// logged; force unlocks and expiries are recorded by the coordinator's own
// recorder and do not pass through here.
type LockAuditor interface {
	Insert(ctx context.Context, entry *models.LockAuditEntry) error
}

// Manager is the single entry point for state operations. Every call resolves
// the backend registration first, so an unregistered backend id fails with
// BackendNotFoundError before any storage or lock traffic happens.
//
// Locking is cooperative: writes are rejected only when a lock is held under a
// different id than the caller presented. An unlocked workspace accepts writes
// with or without a lock id, and reads never consult the lock at all.
type Manager struct {
	store     *statestore.Store
	locks     *locking.Coordinator
	directory BackendDirectory
	auditor   LockAuditor
	shipper   *audit.MultiShipper
	logger    *slog.Logger

	defaultEnvironment  string
	minTerraformVersion string
	logReadOperations   bool
}

// ManagerOptions carries the optional policy knobs for NewManager.
type ManagerOptions struct {
	// DefaultEnvironment applies when neither the request nor the backend
	// registration names one. Defaults to "dev".
	DefaultEnvironment string

	// MinTerraformVersion is the global floor checked when state is written.
	// A registration's min_terraform_version replaces it entirely for that
	// backend, so a registration may also lower the floor.
	MinTerraformVersion string

	// LogReadOperations ships audit entries for plain reads as well. Off by
	// default; the trail is meant for mutations.
	LogReadOperations bool

	Shipper *audit.MultiShipper
	Logger  *slog.Logger
}

// NewManager builds a Manager. The store and coordinator are required;
// directory lookups gate every operation. Shipper and auditor may be nil.
func NewManager(store *statestore.Store, locks *locking.Coordinator, directory BackendDirectory, auditor LockAuditor, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultEnvironment == "" {
		opts.DefaultEnvironment = "dev"
	}
	return &Manager{
		store:               store,
		locks:               locks,
		directory:           directory,
		auditor:             auditor,
		shipper:             opts.Shipper,
		logger:              opts.Logger,
		defaultEnvironment:  opts.DefaultEnvironment,
		minTerraformVersion: opts.MinTerraformVersion,
		logReadOperations:   opts.LogReadOperations,
	}
}

// UpdateStateRequest carries one state write.
type UpdateStateRequest struct {
	BackendID   string
	Workspace   string
	Environment string // optional; falls back to the registration, then the default
	Data        []byte
	LockID      string // optional; must match the holder when the workspace is locked
	CreatedBy   string
}

// RollbackStateRequest re-stores a historical version as the new current
// state. The historical version itself is never modified or deleted.
type RollbackStateRequest struct {
	BackendID   string
	Workspace   string
	Environment string
	VersionID   string
	LockID      string
	CreatedBy   string
}

// RestoreBackupRequest re-stores a backup as the new current state.
type RestoreBackupRequest struct {
	BackendID   string
	Workspace   string
	Environment string
	BackupID    string
	LockID      string
	CreatedBy   string
}

// ---------------------------------------------------------------------------
// State operations
// ---------------------------------------------------------------------------

// GetState returns the current state document, or a historical version when
// versionID is set. Reads never check the lock: Terraform holds its own lock
// across a plan/apply cycle and refreshes freely outside of one.
func (m *Manager) GetState(ctx context.Context, backendID, workspace, environment, versionID string) (data []byte, info *state.Info, err error) {
	start := time.Now()
	defer func() { m.observe("get_state", start, err) }()

	if err = validateNames(backendID, workspace); err != nil {
		return nil, nil, err
	}
	backend, err := m.resolveBackend(ctx, backendID)
	if err != nil {
		return nil, nil, err
	}
	env, err := m.effectiveEnvironment(environment, backend)
	if err != nil {
		return nil, nil, err
	}

	data, info, err = m.store.RetrieveState(ctx, backendID, workspace, env, versionID)
	if err != nil {
		return nil, nil, err
	}

	if m.logReadOperations {
		m.ship(ctx, audit.LogEntry{
			Action:      audit.ActionStateRead,
			BackendID:   backendID,
			Workspace:   workspace,
			Environment: env,
			VersionID:   versionID,
		})
	}
	return data, info, nil
}

// UpdateState stores data as the workspace's new current state. The write is
// rejected when the payload is not a state file, when its terraform_version
// falls below the effective floor, or when another caller holds the lock.
func (m *Manager) UpdateState(ctx context.Context, req UpdateStateRequest) (res *statestore.StoreResult, err error) {
	start := time.Now()
	defer func() { m.observe("update_state", start, err) }()

	if err = validateNames(req.BackendID, req.Workspace); err != nil {
		return nil, err
	}
	backend, err := m.resolveBackend(ctx, req.BackendID)
	if err != nil {
		return nil, err
	}
	env, err := m.effectiveEnvironment(req.Environment, backend)
	if err != nil {
		return nil, err
	}

	// Parse before touching the lock so malformed payloads fail the same way
	// whether or not the workspace is locked.
	meta, err := state.ParseMetadata(req.Data)
	if err != nil {
		return nil, err
	}
	if err = m.checkTerraformVersion(backend, meta); err != nil {
		return nil, err
	}

	if err = m.checkWriteLock(ctx, req.BackendID, req.Workspace, req.LockID); err != nil {
		var locked *state.StateLockedError
		if errors.As(err, &locked) {
			m.ship(ctx, audit.LogEntry{
				Action:      audit.ActionStateUpdate,
				BackendID:   req.BackendID,
				Workspace:   req.Workspace,
				Environment: env,
				Actor:       req.CreatedBy,
				LockID:      req.LockID,
				Outcome:     audit.OutcomeDenied,
				Reason:      "workspace locked by another holder",
			})
		}
		return nil, err
	}

	res, err = m.store.StoreState(ctx, statestore.StoreRequest{
		BackendID:   req.BackendID,
		Workspace:   req.Workspace,
		Environment: env,
		Data:        req.Data,
		CreatedBy:   req.CreatedBy,
		Operation:   state.OperationWrite,
	})
	if err != nil {
		return nil, err
	}
	telemetry.StateBytesWrittenTotal.Add(float64(len(req.Data)))
	m.trimHistory(ctx, backend, req.Workspace, env)

	m.ship(ctx, audit.LogEntry{
		Action:      audit.ActionStateUpdate,
		BackendID:   req.BackendID,
		Workspace:   req.Workspace,
		Environment: env,
		Actor:       req.CreatedBy,
		LockID:      req.LockID,
		VersionID:   res.VersionID,
		Metadata:    map[string]interface{}{"serial": res.Info.Metadata.Serial, "size": res.Info.Size},
	})
	return res, nil
}

// DeleteState removes the workspace's current state and all version objects.
// Backups survive. The cooperative lock check applies as for writes. The
// returned count is the number of objects removed.
func (m *Manager) DeleteState(ctx context.Context, backendID, workspace, environment, lockID, deletedBy string) (removed int, err error) {
	start := time.Now()
	defer func() { m.observe("delete_state", start, err) }()

	if err = validateNames(backendID, workspace); err != nil {
		return 0, err
	}
	backend, err := m.resolveBackend(ctx, backendID)
	if err != nil {
		return 0, err
	}
	env, err := m.effectiveEnvironment(environment, backend)
	if err != nil {
		return 0, err
	}

	if err = m.checkWriteLock(ctx, backendID, workspace, lockID); err != nil {
		return 0, err
	}

	removed, err = m.store.DeleteState(ctx, backendID, workspace, env)
	if err != nil {
		return 0, err
	}

	m.ship(ctx, audit.LogEntry{
		Action:      audit.ActionStateDelete,
		BackendID:   backendID,
		Workspace:   workspace,
		Environment: env,
		Actor:       deletedBy,
		LockID:      lockID,
		Metadata:    map[string]interface{}{"objects_removed": removed},
	})
	return removed, nil
}

// RollbackState makes a historical version the current state again by storing
// its bytes as a brand-new version. History is append-only: the rolled-back
// versions stay listed, and the rollback itself appears as the newest entry.
func (m *Manager) RollbackState(ctx context.Context, req RollbackStateRequest) (res *statestore.StoreResult, err error) {
	start := time.Now()
	defer func() { m.observe("rollback_state", start, err) }()

	if err = validateNames(req.BackendID, req.Workspace); err != nil {
		return nil, err
	}
	if req.VersionID == "" {
		return nil, &state.ValidationError{Reason: "version id is required for rollback"}
	}
	backend, err := m.resolveBackend(ctx, req.BackendID)
	if err != nil {
		return nil, err
	}
	env, err := m.effectiveEnvironment(req.Environment, backend)
	if err != nil {
		return nil, err
	}

	if err = m.checkWriteLock(ctx, req.BackendID, req.Workspace, req.LockID); err != nil {
		return nil, err
	}

	// The retrieve verifies the stored checksum, so a corrupted version can
	// never be promoted to current.
	data, _, err := m.store.RetrieveState(ctx, req.BackendID, req.Workspace, env, req.VersionID)
	if err != nil {
		return nil, err
	}

	res, err = m.store.StoreState(ctx, statestore.StoreRequest{
		BackendID:   req.BackendID,
		Workspace:   req.Workspace,
		Environment: env,
		Data:        data,
		CreatedBy:   req.CreatedBy,
		Operation:   state.OperationWrite,
	})
	if err != nil {
		return nil, err
	}
	m.trimHistory(ctx, backend, req.Workspace, env)

	m.ship(ctx, audit.LogEntry{
		Action:      audit.ActionStateRollback,
		BackendID:   req.BackendID,
		Workspace:   req.Workspace,
		Environment: env,
		Actor:       req.CreatedBy,
		LockID:      req.LockID,
		VersionID:   req.VersionID,
		Metadata:    map[string]interface{}{"new_version_id": res.VersionID},
	})
	return res, nil
}

// GetStateInfo returns metadata for the current state without its body.
func (m *Manager) GetStateInfo(ctx context.Context, backendID, workspace, environment string) (info *state.Info, err error) {
	start := time.Now()
	defer func() { m.observe("get_info", start, err) }()

	if err = validateNames(backendID, workspace); err != nil {
		return nil, err
	}
	backend, err := m.resolveBackend(ctx, backendID)
	if err != nil {
		return nil, err
	}
	env, err := m.effectiveEnvironment(environment, backend)
	if err != nil {
		return nil, err
	}
	return m.store.GetStateInfo(ctx, backendID, workspace, env)
}

// ListVersions returns the workspace's version history, oldest first, along
// with any version directories that were skipped because their metadata was
// missing or unreadable. limit <= 0 returns everything.
func (m *Manager) ListVersions(ctx context.Context, backendID, workspace, environment string, limit int) (versions []state.Version, skipped []statestore.VersionSkip, err error) {
	start := time.Now()
	defer func() { m.observe("list_versions", start, err) }()

	if err = validateNames(backendID, workspace); err != nil {
		return nil, nil, err
	}
	backend, err := m.resolveBackend(ctx, backendID)
	if err != nil {
		return nil, nil, err
	}
	env, err := m.effectiveEnvironment(environment, backend)
	if err != nil {
		return nil, nil, err
	}
	return m.store.ListVersions(ctx, backendID, workspace, env, limit)
}

// ListWorkspaces enumerates workspaces holding state under the backend.
func (m *Manager) ListWorkspaces(ctx context.Context, backendID, environment string) (workspaces []string, err error) {
	start := time.Now()
	defer func() { m.observe("list_workspaces", start, err) }()

	if vErr := validation.ValidateBackendID(backendID); vErr != nil {
		err = &state.ValidationError{Reason: vErr.Error()}
		return nil, err
	}
	backend, err := m.resolveBackend(ctx, backendID)
	if err != nil {
		return nil, err
	}
	env, err := m.effectiveEnvironment(environment, backend)
	if err != nil {
		return nil, err
	}
	return m.store.ListWorkspaces(ctx, backendID, env)
}

// CleanupVersions trims the workspace's history to the newest keepCount
// versions. keepCount = 0 removes all history while leaving the current state
// object in place.
func (m *Manager) CleanupVersions(ctx context.Context, backendID, workspace, environment string, keepCount int) (removed int, err error) {
	start := time.Now()
	defer func() { m.observe("cleanup_versions", start, err) }()

	if err = validateNames(backendID, workspace); err != nil {
		return 0, err
	}
	backend, err := m.resolveBackend(ctx, backendID)
	if err != nil {
		return 0, err
	}
	env, err := m.effectiveEnvironment(environment, backend)
	if err != nil {
		return 0, err
	}

	removed, err = m.store.CleanupOldVersions(ctx, backendID, workspace, env, keepCount)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		telemetry.StateVersionsCleanedTotal.Add(float64(removed))
		m.ship(ctx, audit.LogEntry{
			Action:      audit.ActionVersionCleanup,
			BackendID:   backendID,
			Workspace:   workspace,
			Environment: env,
			Metadata:    map[string]interface{}{"removed": removed, "keep_count": keepCount},
		})
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

// CreateBackup snapshots the current state into the shared backups bucket.
// An empty backupType defaults to MANUAL.
func (m *Manager) CreateBackup(ctx context.Context, backendID, workspace, environment string, backupType state.BackupType, createdBy string) (info *state.BackupInfo, err error) {
	start := time.Now()
	defer func() { m.observe("create_backup", start, err) }()

	if err = validateNames(backendID, workspace); err != nil {
		return nil, err
	}
	backend, err := m.resolveBackend(ctx, backendID)
	if err != nil {
		return nil, err
	}
	env, err := m.effectiveEnvironment(environment, backend)
	if err != nil {
		return nil, err
	}
	if backupType == "" {
		backupType = state.BackupManual
	}

	info, err = m.store.CreateBackup(ctx, backendID, workspace, env, backupType, createdBy)
	if err != nil {
		return nil, err
	}

	m.ship(ctx, audit.LogEntry{
		Action:      audit.ActionBackupCreate,
		BackendID:   backendID,
		Workspace:   workspace,
		Environment: env,
		Actor:       createdBy,
		Metadata:    map[string]interface{}{"backup_id": info.BackupID, "backup_type": string(backupType)},
	})
	return info, nil
}

// ListBackups returns the workspace's backups, newest first.
func (m *Manager) ListBackups(ctx context.Context, backendID, workspace string) (backups []state.BackupInfo, err error) {
	start := time.Now()
	defer func() { m.observe("list_backups", start, err) }()

	if err = validateNames(backendID, workspace); err != nil {
		return nil, err
	}
	if _, err = m.resolveBackend(ctx, backendID); err != nil {
		return nil, err
	}
	return m.store.ListBackups(ctx, backendID, workspace)
}

// RestoreBackup makes a backup the current state again. Like rollback this is
// a plain store: the backup stays where it is and the restore shows up as the
// newest version, marked with the RESTORE operation.
func (m *Manager) RestoreBackup(ctx context.Context, req RestoreBackupRequest) (res *statestore.StoreResult, err error) {
	start := time.Now()
	defer func() { m.observe("restore_backup", start, err) }()

	if err = validateNames(req.BackendID, req.Workspace); err != nil {
		return nil, err
	}
	if req.BackupID == "" {
		return nil, &state.ValidationError{Reason: "backup id is required for restore"}
	}
	backend, err := m.resolveBackend(ctx, req.BackendID)
	if err != nil {
		return nil, err
	}
	env, err := m.effectiveEnvironment(req.Environment, backend)
	if err != nil {
		return nil, err
	}

	if err = m.checkWriteLock(ctx, req.BackendID, req.Workspace, req.LockID); err != nil {
		return nil, err
	}

	data, _, err := m.store.RetrieveBackup(ctx, req.BackendID, req.Workspace, req.BackupID)
	if err != nil {
		return nil, err
	}

	res, err = m.store.StoreState(ctx, statestore.StoreRequest{
		BackendID:   req.BackendID,
		Workspace:   req.Workspace,
		Environment: env,
		Data:        data,
		CreatedBy:   req.CreatedBy,
		Operation:   state.OperationRestore,
	})
	if err != nil {
		return nil, err
	}
	m.trimHistory(ctx, backend, req.Workspace, env)

	m.ship(ctx, audit.LogEntry{
		Action:      audit.ActionBackupRestore,
		BackendID:   req.BackendID,
		Workspace:   req.Workspace,
		Environment: env,
		Actor:       req.CreatedBy,
		LockID:      req.LockID,
		Metadata:    map[string]interface{}{"backup_id": req.BackupID, "new_version_id": res.VersionID},
	})
	return res, nil
}

// ---------------------------------------------------------------------------
// Locking
// ---------------------------------------------------------------------------

// AcquireLock takes the workspace lock. The lock id is generated by the
// coordinator; any id on info is ignored. A held lock fails immediately with
// StateLockedError carrying the holder's info.
func (m *Manager) AcquireLock(ctx context.Context, backendID, workspace string, info state.LockInfo, timeout time.Duration) (*state.Lock, error) {
	if err := validateNames(backendID, workspace); err != nil {
		return nil, err
	}
	if _, err := m.resolveBackend(ctx, backendID); err != nil {
		return nil, err
	}

	lock, err := m.locks.Acquire(ctx, backendID, workspace, info, timeout)
	if err != nil {
		var locked *state.StateLockedError
		if errors.As(err, &locked) {
			telemetry.LockAcquisitionsTotal.WithLabelValues("conflict").Inc()
		} else {
			telemetry.LockAcquisitionsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	telemetry.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()

	m.recordLockEvent(ctx, models.LockEventAcquired, backendID, workspace, &lock.Info, "")
	m.ship(ctx, audit.LogEntry{
		Action:    audit.ActionLockAcquire,
		BackendID: backendID,
		Workspace: workspace,
		Actor:     lock.Info.Who,
		LockID:    lock.LockID,
		Metadata:  map[string]interface{}{"operation": lock.Info.Operation, "expires_at": lock.ExpiresAt},
	})
	return lock, nil
}

// ReleaseLock frees the lock identified by lockID. Only the holder's id
// releases; a mismatch fails with the holder's info, a missing lock with
// LockNotFoundError.
func (m *Manager) ReleaseLock(ctx context.Context, backendID, workspace, lockID string) error {
	if err := validateNames(backendID, workspace); err != nil {
		return err
	}
	if _, err := m.resolveBackend(ctx, backendID); err != nil {
		return err
	}

	// Read the holder first so the audit row can say who released. Best
	// effort: a transport failure here surfaces from Release itself.
	current, _ := m.locks.Current(ctx, backendID, workspace)

	if err := m.locks.Release(ctx, backendID, workspace, lockID); err != nil {
		return err
	}

	var info *state.LockInfo
	if current != nil && current.Owns(lockID) {
		info = &current.Info
	} else {
		info = &state.LockInfo{ID: lockID}
	}
	m.recordLockEvent(ctx, models.LockEventReleased, backendID, workspace, info, "")
	m.ship(ctx, audit.LogEntry{
		Action:    audit.ActionLockRelease,
		BackendID: backendID,
		Workspace: workspace,
		Actor:     info.Who,
		LockID:    lockID,
	})
	return nil
}

// ExtendLock pushes the holder's expiry out by extendBy under the same
// ownership rules as ReleaseLock.
func (m *Manager) ExtendLock(ctx context.Context, backendID, workspace, lockID string, extendBy time.Duration) (*state.Lock, error) {
	if err := validateNames(backendID, workspace); err != nil {
		return nil, err
	}
	if _, err := m.resolveBackend(ctx, backendID); err != nil {
		return nil, err
	}
	return m.locks.Extend(ctx, backendID, workspace, lockID, extendBy)
}

// ForceUnlock removes whatever lock is present regardless of holder. A
// non-empty reason is mandatory; the coordinator records the event (with the
// previous holder, when one existed) even if the workspace was already
// unlocked. freed reports whether a record was actually removed.
func (m *Manager) ForceUnlock(ctx context.Context, backendID, workspace, reason, requestedBy string) (freed bool, previous *state.LockInfo, err error) {
	if strings.TrimSpace(reason) == "" {
		return false, nil, &state.ValidationError{Reason: "a reason is required to force unlock"}
	}
	if err = validateNames(backendID, workspace); err != nil {
		return false, nil, err
	}
	if _, err = m.resolveBackend(ctx, backendID); err != nil {
		return false, nil, err
	}

	freed, previous, err = m.locks.ForceUnlock(ctx, backendID, workspace, reason)
	if err != nil {
		return false, nil, err
	}
	if freed {
		telemetry.LockForceUnlocksTotal.Inc()
	}

	entry := audit.LogEntry{
		Action:    audit.ActionLockForceUnlock,
		BackendID: backendID,
		Workspace: workspace,
		Actor:     requestedBy,
		Reason:    reason,
		Metadata:  map[string]interface{}{"freed": freed},
	}
	if previous != nil {
		entry.LockID = previous.ID
	}
	m.ship(ctx, entry)
	return freed, previous, nil
}

// LockStatus reports UNLOCKED, LOCKED, or EXPIRED for the workspace.
func (m *Manager) LockStatus(ctx context.Context, backendID, workspace string) (state.LockStatus, error) {
	if err := validateNames(backendID, workspace); err != nil {
		return "", err
	}
	if _, err := m.resolveBackend(ctx, backendID); err != nil {
		return "", err
	}
	return m.locks.Status(ctx, backendID, workspace)
}

// LockInfo returns the current holder's info, or nil when unlocked.
func (m *Manager) LockInfo(ctx context.Context, backendID, workspace string) (*state.LockInfo, error) {
	if err := validateNames(backendID, workspace); err != nil {
		return nil, err
	}
	if _, err := m.resolveBackend(ctx, backendID); err != nil {
		return nil, err
	}
	return m.locks.Info(ctx, backendID, workspace)
}

// ListAllLocks surveys every live lock across all backends. The view is best
// effort: unreadable records are skipped by the coordinator.
func (m *Manager) ListAllLocks(ctx context.Context) ([]state.HeldLock, error) {
	return m.locks.ListAll(ctx)
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// resolveBackend looks up the registration for backendID. A missing row is
// BackendNotFoundError; a directory failure is BackendError so it maps to a
// retryable response.
func (m *Manager) resolveBackend(ctx context.Context, backendID string) (*models.Backend, error) {
	backend, err := m.directory.GetByBackendID(ctx, backendID)
	if err != nil {
		return nil, &state.BackendError{Op: "backend_lookup", Err: err}
	}
	if backend == nil {
		return nil, &state.BackendNotFoundError{BackendID: backendID}
	}
	return backend, nil
}

// effectiveEnvironment picks the environment for bucket naming: an explicit
// request value wins, then the registration, then the manager default.
func (m *Manager) effectiveEnvironment(requested string, backend *models.Backend) (string, error) {
	if requested != "" {
		if err := validation.ValidateEnvironment(requested); err != nil {
			return "", &state.ValidationError{Reason: err.Error()}
		}
		return requested, nil
	}
	if backend.Environment != "" {
		return backend.Environment, nil
	}
	return m.defaultEnvironment, nil
}

// checkWriteLock enforces cooperative locking for writes: an unlocked
// workspace accepts any write, a locked workspace only writes presenting the
// holder's id (assigned or offered).
func (m *Manager) checkWriteLock(ctx context.Context, backendID, workspace, lockID string) error {
	current, err := m.locks.Current(ctx, backendID, workspace)
	if err != nil {
		return err
	}
	if current == nil || current.Owns(lockID) {
		return nil
	}
	return &state.StateLockedError{Info: &current.Info}
}

// checkTerraformVersion applies the version floor to a parsed state payload.
// States whose terraform_version is absent or unparseable pass: ancient
// releases wrote values this check must not brick.
func (m *Manager) checkTerraformVersion(backend *models.Backend, meta *state.Metadata) error {
	floor := m.minTerraformVersion
	if backend.MinTerraformVersion.Valid {
		floor = backend.MinTerraformVersion.String
	}
	actual := meta.TerraformVersion
	if actual == "unknown" {
		actual = ""
	}
	ok, err := validation.MeetsMinimum(actual, floor)
	if err != nil {
		m.logger.Debug("terraform version check skipped",
			"terraform_version", meta.TerraformVersion, "minimum", floor, "error", err)
		return nil
	}
	if !ok {
		return &state.ValidationError{
			Reason: fmt.Sprintf("terraform version %s is below the required minimum %s", meta.TerraformVersion, floor),
		}
	}
	return nil
}

// trimHistory enforces versioning_enabled=false after a successful store by
// cutting the history down to the single newest version. Failures are logged,
// not returned: the write itself already succeeded.
func (m *Manager) trimHistory(ctx context.Context, backend *models.Backend, workspace, environment string) {
	if backend.VersioningEnabled {
		return
	}
	if _, err := m.store.CleanupOldVersions(ctx, backend.BackendID, workspace, environment, 1); err != nil {
		m.logger.Warn("history trim failed",
			"backend_id", backend.BackendID, "workspace", workspace, "error", err)
	}
}

// recordLockEvent inserts one lock lifecycle row. Insert failures are logged
// and swallowed: the lock operation itself already took effect in Redis.
func (m *Manager) recordLockEvent(ctx context.Context, event, backendID, workspace string, info *state.LockInfo, reason string) {
	if m.auditor == nil {
		return
	}
	entry := &models.LockAuditEntry{
		BackendID: backendID,
		Workspace: workspace,
		Event:     event,
	}
	if info != nil {
		if info.ID != "" {
			entry.LockID = &info.ID
		}
		if info.Who != "" {
			entry.Who = &info.Who
		}
		if info.Operation != "" {
			entry.Operation = &info.Operation
		}
	}
	if reason != "" {
		entry.Reason = &reason
	}
	if err := m.auditor.Insert(ctx, entry); err != nil {
		m.logger.Warn("lock audit insert failed",
			"event", event, "backend_id", backendID, "workspace", workspace, "error", err)
	}
}

// ship forwards one audit entry, stamping timestamp and outcome defaults.
// Shipping never fails the operation that produced the entry.
func (m *Manager) ship(ctx context.Context, entry audit.LogEntry) {
	if m.shipper == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = audit.OutcomeSuccess
	}
	if err := m.shipper.Ship(ctx, &entry); err != nil {
		m.logger.Warn("audit ship failed", "action", entry.Action, "error", err)
	}
}

// observe records the outcome counter and latency histogram for one state
// operation.
func (m *Manager) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	telemetry.StateOperationsTotal.WithLabelValues(op, status).Inc()
	telemetry.StateOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// validateNames rejects identifiers that could not have come from a
// registered backend or a legal workspace path.
func validateNames(backendID, workspace string) error {
	if err := validation.ValidateBackendID(backendID); err != nil {
		return &state.ValidationError{Reason: err.Error()}
	}
	if err := validation.ValidateWorkspace(workspace); err != nil {
		return &state.ValidationError{Reason: err.Error()}
	}
	return nil
}
