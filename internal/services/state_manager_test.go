package services

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tfstate-backend/tfstate-backend/internal/audit"
	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
	"github.com/tfstate-backend/tfstate-backend/internal/locking"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
	"github.com/tfstate-backend/tfstate-backend/internal/statestore"
	"github.com/tfstate-backend/tfstate-backend/internal/storage/local"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stateJSON(serial int64) []byte {
	return stateJSONVersion("1.6.2", serial)
}

func stateJSONVersion(tfVersion string, serial int64) []byte {
	return []byte(fmt.Sprintf(`{
  "version": 4,
  "terraform_version": %q,
  "serial": %d,
  "lineage": "6c5288c1-3ee8-4f9d-9fbe-f0eb3cff43a8",
  "resources": [
    {
      "mode": "managed",
      "type": "aws_vpc",
      "name": "main",
      "provider": "provider[\"registry.terraform.io/hashicorp/aws\"]",
      "instances": [{}]
    }
  ],
  "outputs": {}
}`, tfVersion, serial))
}

// fakeDirectory is an in-memory BackendDirectory with failure injection.
type fakeDirectory struct {
	mu       sync.Mutex
	backends map[string]*models.Backend
	err      error
}

func (d *fakeDirectory) GetByBackendID(ctx context.Context, backendID string) (*models.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.backends[backendID], nil
}

func (d *fakeDirectory) put(b *models.Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[b.BackendID] = b
}

func (d *fakeDirectory) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// captureAuditor collects lock audit rows. It also serves as the
// coordinator's force-unlock recorder, like the real repository does.
type captureAuditor struct {
	mu      sync.Mutex
	entries []*models.LockAuditEntry
}

func (a *captureAuditor) Insert(ctx context.Context, entry *models.LockAuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *captureAuditor) RecordForceUnlock(ctx context.Context, backendID, workspace, reason string, previous *state.LockInfo) error {
	entry := &models.LockAuditEntry{
		BackendID: backendID,
		Workspace: workspace,
		Event:     models.LockEventForceUnlocked,
		Reason:    &reason,
	}
	if previous != nil {
		entry.LockID = &previous.ID
		entry.Who = &previous.Who
	}
	return a.Insert(ctx, entry)
}

func (a *captureAuditor) byEvent(event string) []*models.LockAuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.LockAuditEntry
	for _, e := range a.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type managerFixture struct {
	manager   *Manager
	store     *statestore.Store
	coord     *locking.Coordinator
	directory *fakeDirectory
	auditor   *captureAuditor
	redis     *miniredis.Miniredis
}

func newTestManager(t *testing.T, opts ManagerOptions) *managerFixture {
	t.Helper()

	objects, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	st := statestore.New(objects, "terraform-state", statestore.Options{Logger: testLogger()})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	auditor := &captureAuditor{}
	coord := locking.New(client, locking.Options{Recorder: auditor, Logger: testLogger()})

	directory := &fakeDirectory{backends: map[string]*models.Backend{
		"payments": {BackendID: "payments", Environment: "prod", VersioningEnabled: true},
	}}

	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	mgr := NewManager(st, coord, directory, auditor, opts)
	return &managerFixture{
		manager:   mgr,
		store:     st,
		coord:     coord,
		directory: directory,
		auditor:   auditor,
		redis:     mr,
	}
}

func (f *managerFixture) update(t *testing.T, serial int64) *statestore.StoreResult {
	t.Helper()
	res, err := f.manager.UpdateState(context.Background(), UpdateStateRequest{
		BackendID: "payments",
		Workspace: "networking",
		Data:      stateJSON(serial),
		CreatedBy: "ci@example.com",
	})
	if err != nil {
		t.Fatalf("UpdateState(serial=%d): %v", serial, err)
	}
	return res
}

// ---------------------------------------------------------------------------
// update / get
// ---------------------------------------------------------------------------

func TestUpdateState_RoundTrip(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	res := f.update(t, 7)
	if res.VersionID == "" {
		t.Fatal("VersionID is empty")
	}
	if res.Info.Environment != "prod" {
		t.Errorf("Environment = %q, want the registration's %q", res.Info.Environment, "prod")
	}
	if res.Info.Metadata.Serial != 7 {
		t.Errorf("Serial = %d, want 7", res.Info.Metadata.Serial)
	}

	data, info, err := f.manager.GetState(ctx, "payments", "networking", "", "")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(data) != string(stateJSON(7)) {
		t.Error("retrieved bytes differ from stored bytes")
	}
	if info.Checksum != res.Info.Checksum {
		t.Errorf("Checksum = %q, want %q", info.Checksum, res.Info.Checksum)
	}
}

func TestUpdateState_UnregisteredBackend(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	_, err := f.manager.UpdateState(context.Background(), UpdateStateRequest{
		BackendID: "ghost",
		Workspace: "networking",
		Data:      stateJSON(1),
	})
	var nf *state.BackendNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want BackendNotFoundError", err)
	}
	if nf.BackendID != "ghost" {
		t.Errorf("BackendID = %q", nf.BackendID)
	}
}

func TestUpdateState_DirectoryFailure(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	f.directory.fail(errors.New("connection refused"))

	_, err := f.manager.UpdateState(context.Background(), UpdateStateRequest{
		BackendID: "payments",
		Workspace: "networking",
		Data:      stateJSON(1),
	})
	var be *state.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BackendError", err)
	}
	if !state.IsUnavailable(err) {
		t.Error("directory failure should classify as unavailable")
	}
}

func TestUpdateState_RejectsBadNames(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	cases := []struct {
		name      string
		backendID string
		workspace string
	}{
		{"empty workspace", "payments", ""},
		{"slash in workspace", "payments", "prod/eu"},
		{"dot traversal", "payments", ".."},
		{"uppercase backend", "Payments", "networking"},
		{"empty backend", "", "networking"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.UpdateState(ctx, UpdateStateRequest{
				BackendID: tc.backendID,
				Workspace: tc.workspace,
				Data:      stateJSON(1),
			})
			var ve *state.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestUpdateState_MalformedPayload(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	_, err := f.manager.UpdateState(context.Background(), UpdateStateRequest{
		BackendID: "payments",
		Workspace: "networking",
		Data:      []byte(`{"version": 4, "serial":`),
	})
	var ve *state.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestUpdateState_CooperativeLocking(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	lock, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1", Operation: "apply"}, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// No lock id while someone else holds the lock: rejected.
	_, err = f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID: "payments", Workspace: "networking", Data: stateJSON(1),
	})
	var locked *state.StateLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("unlocked write while locked: err = %v, want StateLockedError", err)
	}
	if locked.Info == nil || locked.Info.Who != "alice@runner-1" {
		t.Errorf("StateLockedError.Info = %+v, want the holder", locked.Info)
	}

	// Wrong lock id: rejected.
	_, err = f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID: "payments", Workspace: "networking", Data: stateJSON(1), LockID: "someone-else",
	})
	if !errors.As(err, &locked) {
		t.Fatalf("mismatched write: err = %v, want StateLockedError", err)
	}

	// The holder's id: accepted.
	if _, err := f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID: "payments", Workspace: "networking", Data: stateJSON(1), LockID: lock.LockID,
	}); err != nil {
		t.Fatalf("holder's write rejected: %v", err)
	}

	// Unlocked workspace: a stale lock id is not an error.
	if err := f.manager.ReleaseLock(ctx, "payments", "networking", lock.LockID); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID: "payments", Workspace: "networking", Data: stateJSON(2), LockID: lock.LockID,
	}); err != nil {
		t.Fatalf("write with stale id on unlocked workspace: %v", err)
	}
}

func TestGetState_IgnoresLock(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	f.update(t, 3)
	if _, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1", Operation: "apply"}, time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if _, _, err := f.manager.GetState(ctx, "payments", "networking", "", ""); err != nil {
		t.Fatalf("GetState under a foreign lock: %v", err)
	}
}

func TestGetState_HistoricalVersion(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	first := f.update(t, 1)
	f.update(t, 2)

	data, info, err := f.manager.GetState(ctx, "payments", "networking", "", first.VersionID)
	if err != nil {
		t.Fatalf("GetState(version): %v", err)
	}
	if string(data) != string(stateJSON(1)) {
		t.Error("historical read returned wrong bytes")
	}
	if info.Metadata.Serial != 1 {
		t.Errorf("Serial = %d, want 1", info.Metadata.Serial)
	}
}

func TestGetState_NotFound(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	_, _, err := f.manager.GetState(context.Background(), "payments", "empty-ws", "", "")
	var nf *state.StateNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want StateNotFoundError", err)
	}
}

func TestUpdateState_EnvironmentOverride(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	if _, err := f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID:   "payments",
		Workspace:   "networking",
		Environment: "staging",
		Data:        stateJSON(1),
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	// Visible under the explicit environment, absent under the registration's.
	if _, _, err := f.manager.GetState(ctx, "payments", "networking", "staging", ""); err != nil {
		t.Fatalf("GetState(staging): %v", err)
	}
	var nf *state.StateNotFoundError
	if _, _, err := f.manager.GetState(ctx, "payments", "networking", "", ""); !errors.As(err, &nf) {
		t.Fatalf("GetState(prod) err = %v, want StateNotFoundError", err)
	}

	_, err := f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID:   "payments",
		Workspace:   "networking",
		Environment: "Staging",
		Data:        stateJSON(2),
	})
	var ve *state.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("uppercase environment: err = %v, want ValidationError", err)
	}
}

// ---------------------------------------------------------------------------
// terraform version floor
// ---------------------------------------------------------------------------

func TestUpdateState_VersionFloor(t *testing.T) {
	f := newTestManager(t, ManagerOptions{MinTerraformVersion: "1.5.0"})
	ctx := context.Background()

	_, err := f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID: "payments", Workspace: "networking", Data: stateJSONVersion("1.4.6", 1),
	})
	var ve *state.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("below the floor: err = %v, want ValidationError", err)
	}

	if _, err := f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID: "payments", Workspace: "networking", Data: stateJSONVersion("1.6.2", 2),
	}); err != nil {
		t.Fatalf("above the floor: %v", err)
	}
}

func TestUpdateState_BackendOverridesFloorDownward(t *testing.T) {
	f := newTestManager(t, ManagerOptions{MinTerraformVersion: "1.5.0"})
	f.directory.put(&models.Backend{
		BackendID:           "legacy",
		Environment:         "prod",
		VersioningEnabled:   true,
		MinTerraformVersion: sql.NullString{String: "0.12.0", Valid: true},
	})

	if _, err := f.manager.UpdateState(context.Background(), UpdateStateRequest{
		BackendID: "legacy", Workspace: "networking", Data: stateJSONVersion("1.4.6", 1),
	}); err != nil {
		t.Fatalf("registration floor should replace the global one: %v", err)
	}
}

func TestUpdateState_UnparseableVersionPasses(t *testing.T) {
	f := newTestManager(t, ManagerOptions{MinTerraformVersion: "1.5.0"})
	ctx := context.Background()

	for _, tfVersion := range []string{"unknown", "nightly-build"} {
		if _, err := f.manager.UpdateState(ctx, UpdateStateRequest{
			BackendID: "payments", Workspace: "networking", Data: stateJSONVersion(tfVersion, 1),
		}); err != nil {
			t.Errorf("terraform_version %q: %v", tfVersion, err)
		}
	}
}

// ---------------------------------------------------------------------------
// versioning disabled
// ---------------------------------------------------------------------------

func TestUpdateState_VersioningDisabledKeepsOnlyCurrent(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	f.directory.put(&models.Backend{BackendID: "scratch", Environment: "dev", VersioningEnabled: false})
	ctx := context.Background()

	for serial := int64(1); serial <= 3; serial++ {
		if _, err := f.manager.UpdateState(ctx, UpdateStateRequest{
			BackendID: "scratch", Workspace: "networking", Data: stateJSON(serial),
		}); err != nil {
			t.Fatalf("UpdateState(serial=%d): %v", serial, err)
		}
	}

	versions, skipped, err := f.manager.ListVersions(ctx, "scratch", "networking", "", 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v", skipped)
	}
	if len(versions) != 1 {
		t.Fatalf("len(versions) = %d, want 1", len(versions))
	}
	if versions[0].Metadata.Serial != 3 {
		t.Errorf("surviving Serial = %d, want the newest", versions[0].Metadata.Serial)
	}

	data, _, err := f.manager.GetState(ctx, "scratch", "networking", "", "")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(data) != string(stateJSON(3)) {
		t.Error("current state is not the latest write")
	}
}

// ---------------------------------------------------------------------------
// rollback
// ---------------------------------------------------------------------------

func TestRollbackState_Additive(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	first := f.update(t, 1)
	f.update(t, 2)

	res, err := f.manager.RollbackState(ctx, RollbackStateRequest{
		BackendID: "payments",
		Workspace: "networking",
		VersionID: first.VersionID,
		CreatedBy: "ops@example.com",
	})
	if err != nil {
		t.Fatalf("RollbackState: %v", err)
	}
	if res.VersionID == first.VersionID {
		t.Error("rollback must mint a new version id")
	}

	data, _, err := f.manager.GetState(ctx, "payments", "networking", "", "")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(data) != string(stateJSON(1)) {
		t.Error("current state is not the rolled-back bytes")
	}

	versions, _, err := f.manager.ListVersions(ctx, "payments", "networking", "", 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("len(versions) = %d, want 3 (rollback appends, never rewrites)", len(versions))
	}
}

func TestRollbackState_RequiresVersionID(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	_, err := f.manager.RollbackState(context.Background(), RollbackStateRequest{
		BackendID: "payments", Workspace: "networking",
	})
	var ve *state.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRollbackState_RespectsLock(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	first := f.update(t, 1)
	if _, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1"}, time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	_, err := f.manager.RollbackState(ctx, RollbackStateRequest{
		BackendID: "payments", Workspace: "networking", VersionID: first.VersionID,
	})
	var locked *state.StateLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want StateLockedError", err)
	}
}

// ---------------------------------------------------------------------------
// backups
// ---------------------------------------------------------------------------

func TestBackupAndRestore(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	f.update(t, 1)
	backup, err := f.manager.CreateBackup(ctx, "payments", "networking", "", "", "ops@example.com")
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if backup.BackupType != state.BackupManual {
		t.Errorf("BackupType = %q, want MANUAL default", backup.BackupType)
	}

	f.update(t, 2)

	res, err := f.manager.RestoreBackup(ctx, RestoreBackupRequest{
		BackendID: "payments",
		Workspace: "networking",
		BackupID:  backup.BackupID,
		CreatedBy: "ops@example.com",
	})
	if err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}

	data, _, err := f.manager.GetState(ctx, "payments", "networking", "", "")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(data) != string(stateJSON(1)) {
		t.Error("restore did not bring back the backed-up bytes")
	}

	versions, _, err := f.manager.ListVersions(ctx, "payments", "networking", "", 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	newest := versions[len(versions)-1]
	if newest.VersionID != res.VersionID {
		t.Errorf("newest version = %s, want the restore's %s", newest.VersionID, res.VersionID)
	}
	if newest.OperationType != state.OperationRestore {
		t.Errorf("OperationType = %q, want RESTORE", newest.OperationType)
	}
}

func TestRestoreBackup_RequiresBackupID(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	_, err := f.manager.RestoreBackup(context.Background(), RestoreBackupRequest{
		BackendID: "payments", Workspace: "networking",
	})
	var ve *state.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestListBackups(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	f.update(t, 1)
	if _, err := f.manager.CreateBackup(ctx, "payments", "networking", "", state.BackupPreOperation, "ops@example.com"); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	backups, err := f.manager.ListBackups(ctx, "payments", "networking")
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("len(backups) = %d, want 1", len(backups))
	}
	if backups[0].BackupType != state.BackupPreOperation {
		t.Errorf("BackupType = %q", backups[0].BackupType)
	}
}

// ---------------------------------------------------------------------------
// delete / maintenance
// ---------------------------------------------------------------------------

func TestDeleteState_KeepsBackups(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	f.update(t, 1)
	f.update(t, 2)
	if _, err := f.manager.CreateBackup(ctx, "payments", "networking", "", "", "ops@example.com"); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	removed, err := f.manager.DeleteState(ctx, "payments", "networking", "", "", "ops@example.com")
	if err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if removed == 0 {
		t.Error("removed = 0, want the current object plus version objects")
	}

	var nf *state.StateNotFoundError
	if _, _, err := f.manager.GetState(ctx, "payments", "networking", "", ""); !errors.As(err, &nf) {
		t.Fatalf("GetState after delete: err = %v, want StateNotFoundError", err)
	}

	backups, err := f.manager.ListBackups(ctx, "payments", "networking")
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("len(backups) = %d, want backups untouched by delete", len(backups))
	}
}

func TestDeleteState_RespectsLock(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	f.update(t, 1)
	if _, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1"}, time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	_, err := f.manager.DeleteState(ctx, "payments", "networking", "", "", "ops@example.com")
	var locked *state.StateLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want StateLockedError", err)
	}
}

func TestCleanupVersions(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	for serial := int64(1); serial <= 5; serial++ {
		f.update(t, serial)
	}

	removed, err := f.manager.CleanupVersions(ctx, "payments", "networking", "", 2)
	if err != nil {
		t.Fatalf("CleanupVersions: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	versions, _, err := f.manager.ListVersions(ctx, "payments", "networking", "", 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}
	if versions[0].Metadata.Serial != 4 || versions[1].Metadata.Serial != 5 {
		t.Errorf("survivors = %d,%d, want the newest two",
			versions[0].Metadata.Serial, versions[1].Metadata.Serial)
	}
}

func TestListWorkspaces(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	f.update(t, 1)
	if _, err := f.manager.UpdateState(ctx, UpdateStateRequest{
		BackendID: "payments", Workspace: "dns", Data: stateJSON(1),
	}); err != nil {
		t.Fatalf("UpdateState(dns): %v", err)
	}

	workspaces, err := f.manager.ListWorkspaces(ctx, "payments", "")
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(workspaces) != 2 {
		t.Fatalf("workspaces = %v, want 2", workspaces)
	}
}

// ---------------------------------------------------------------------------
// locking passthrough and audit rows
// ---------------------------------------------------------------------------

func TestAcquireRelease_WritesAuditRows(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	lock, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1", Operation: "apply"}, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	acquired := f.auditor.byEvent(models.LockEventAcquired)
	if len(acquired) != 1 {
		t.Fatalf("acquired rows = %d, want 1", len(acquired))
	}
	if acquired[0].LockID == nil || *acquired[0].LockID != lock.LockID {
		t.Error("acquired row does not carry the lock id")
	}
	if acquired[0].Who == nil || *acquired[0].Who != "alice@runner-1" {
		t.Error("acquired row does not carry the holder")
	}

	if err := f.manager.ReleaseLock(ctx, "payments", "networking", lock.LockID); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	released := f.auditor.byEvent(models.LockEventReleased)
	if len(released) != 1 {
		t.Fatalf("released rows = %d, want 1", len(released))
	}
	if released[0].Who == nil || *released[0].Who != "alice@runner-1" {
		t.Error("released row lost the holder info")
	}
}

func TestReleaseLock_WrongID(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	if _, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1"}, time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	err := f.manager.ReleaseLock(ctx, "payments", "networking", "not-the-holder")
	var locked *state.StateLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want StateLockedError", err)
	}
	if rows := f.auditor.byEvent(models.LockEventReleased); len(rows) != 0 {
		t.Errorf("released rows = %d after a failed release", len(rows))
	}
}

func TestReleaseLock_NotHeld(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	err := f.manager.ReleaseLock(context.Background(), "payments", "networking", "anything")
	var nf *state.LockNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want LockNotFoundError", err)
	}
}

func TestForceUnlock(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	if _, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1", Operation: "apply"}, time.Hour); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	freed, previous, err := f.manager.ForceUnlock(ctx, "payments", "networking", "runner died mid-apply", "ops@example.com")
	if err != nil {
		t.Fatalf("ForceUnlock: %v", err)
	}
	if !freed {
		t.Error("freed = false, want true")
	}
	if previous == nil || previous.Who != "alice@runner-1" {
		t.Errorf("previous = %+v, want the evicted holder", previous)
	}

	rows := f.auditor.byEvent(models.LockEventForceUnlocked)
	if len(rows) != 1 {
		t.Fatalf("force_unlocked rows = %d, want 1", len(rows))
	}
	if rows[0].Reason == nil || *rows[0].Reason != "runner died mid-apply" {
		t.Error("force_unlocked row lost the reason")
	}

	// Forcing an unlocked workspace stays idempotent and is still recorded.
	freed, previous, err = f.manager.ForceUnlock(ctx, "payments", "networking", "double tap", "ops@example.com")
	if err != nil {
		t.Fatalf("second ForceUnlock: %v", err)
	}
	if freed || previous != nil {
		t.Errorf("second force: freed=%v previous=%+v, want false/nil", freed, previous)
	}
	if rows := f.auditor.byEvent(models.LockEventForceUnlocked); len(rows) != 2 {
		t.Errorf("force_unlocked rows = %d, want 2", len(rows))
	}
}

func TestForceUnlock_RequiresReason(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	for _, reason := range []string{"", "   "} {
		_, _, err := f.manager.ForceUnlock(context.Background(), "payments", "networking", reason, "ops@example.com")
		var ve *state.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("reason %q: err = %v, want ValidationError", reason, err)
		}
	}
}

func TestLockStatusAndInfo(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	status, err := f.manager.LockStatus(ctx, "payments", "networking")
	if err != nil {
		t.Fatalf("LockStatus: %v", err)
	}
	if status != state.LockStatusUnlocked {
		t.Errorf("status = %q, want UNLOCKED", status)
	}

	lock, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1"}, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	status, err = f.manager.LockStatus(ctx, "payments", "networking")
	if err != nil {
		t.Fatalf("LockStatus: %v", err)
	}
	if status != state.LockStatusLocked {
		t.Errorf("status = %q, want LOCKED", status)
	}

	info, err := f.manager.LockInfo(ctx, "payments", "networking")
	if err != nil {
		t.Fatalf("LockInfo: %v", err)
	}
	if info == nil || info.ID != lock.LockID {
		t.Errorf("info = %+v, want the live holder", info)
	}
}

func TestExtendLock(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	lock, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1"}, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	extended, err := f.manager.ExtendLock(ctx, "payments", "networking", lock.LockID, 30*time.Minute)
	if err != nil {
		t.Fatalf("ExtendLock: %v", err)
	}
	if !extended.ExpiresAt.After(lock.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want later than %v", extended.ExpiresAt, lock.ExpiresAt)
	}

	_, err = f.manager.ExtendLock(ctx, "payments", "networking", "wrong-id", time.Minute)
	var locked *state.StateLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want StateLockedError", err)
	}
}

func TestAcquireLock_UnregisteredBackend(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})

	_, err := f.manager.AcquireLock(context.Background(), "ghost", "networking",
		state.LockInfo{Who: "alice@runner-1"}, time.Minute)
	var nf *state.BackendNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want BackendNotFoundError", err)
	}
}

func TestListAllLocks(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	f.directory.put(&models.Backend{BackendID: "billing", Environment: "prod", VersioningEnabled: true})
	ctx := context.Background()

	if _, err := f.manager.AcquireLock(ctx, "billing", "core",
		state.LockInfo{Who: "bob@runner-2"}, time.Minute); err != nil {
		t.Fatalf("AcquireLock(billing): %v", err)
	}
	if _, err := f.manager.AcquireLock(ctx, "payments", "networking",
		state.LockInfo{Who: "alice@runner-1"}, time.Minute); err != nil {
		t.Fatalf("AcquireLock(payments): %v", err)
	}

	held, err := f.manager.ListAllLocks(ctx)
	if err != nil {
		t.Fatalf("ListAllLocks: %v", err)
	}
	if len(held) != 2 {
		t.Fatalf("len(held) = %d, want 2", len(held))
	}
	if held[0].BackendID != "billing" || held[1].BackendID != "payments" {
		t.Errorf("order = %s,%s, want sorted by backend", held[0].BackendID, held[1].BackendID)
	}
}

// ---------------------------------------------------------------------------
// audit shipping
// ---------------------------------------------------------------------------

func TestManager_ShipsAuditTrail(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")
	shipper, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Type: "file", Enabled: true, File: &audit.FileConfig{Path: logPath}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}
	defer shipper.Close()

	f := newTestManager(t, ManagerOptions{Shipper: shipper})
	res := f.update(t, 9)

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer file.Close()

	var entries []audit.LogEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry audit.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		entries = append(entries, entry)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.Action != audit.ActionStateUpdate {
		t.Errorf("Action = %q", got.Action)
	}
	if got.BackendID != "payments" || got.Workspace != "networking" {
		t.Errorf("target = %s/%s", got.BackendID, got.Workspace)
	}
	if got.VersionID != res.VersionID {
		t.Errorf("VersionID = %q, want %q", got.VersionID, res.VersionID)
	}
	if got.Outcome != audit.OutcomeSuccess {
		t.Errorf("Outcome = %q", got.Outcome)
	}
	if got.Actor != "ci@example.com" {
		t.Errorf("Actor = %q", got.Actor)
	}
}

func TestManager_NilShipperIsFine(t *testing.T) {
	f := newTestManager(t, ManagerOptions{})
	f.update(t, 1)
}
