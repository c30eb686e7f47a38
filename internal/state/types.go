// Package state defines the domain model shared by the storage, locking, and
// service layers: workspace state records, immutable versions, lock records,
// backups, and the error taxonomy surfaced to API callers. It also contains
// the pure state-file codec (checksum + metadata parsing) in statefile.go.
// Nothing in this package performs I/O.
package state

import "time"

// Status describes the lifecycle state of a workspace's current state record.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusLocked    Status = "LOCKED"
	StatusCorrupted Status = "CORRUPTED"
	StatusMigrating Status = "MIGRATING"
	StatusArchived  Status = "ARCHIVED"
)

// OperationType records which operation produced a version or audit entry.
type OperationType string

const (
	OperationRead    OperationType = "READ"
	OperationWrite   OperationType = "WRITE"
	OperationDelete  OperationType = "DELETE"
	OperationLock    OperationType = "LOCK"
	OperationUnlock  OperationType = "UNLOCK"
	OperationBackup  OperationType = "BACKUP"
	OperationRestore OperationType = "RESTORE"
	OperationMigrate OperationType = "MIGRATE"
)

// BackupType classifies why a backup was taken. Backups live in their own
// bucket so their retention is independent of regular version retention.
type BackupType string

const (
	BackupScheduled        BackupType = "SCHEDULED"
	BackupManual           BackupType = "MANUAL"
	BackupPreOperation     BackupType = "PRE_OPERATION"
	BackupDisasterRecovery BackupType = "DISASTER_RECOVERY"
)

// LockStatus is the observable state of a workspace lock. EXPIRED is reported
// exactly once, by the status check that detects the stale record and lazily
// removes it; subsequent checks report UNLOCKED.
type LockStatus string

const (
	LockStatusUnlocked LockStatus = "UNLOCKED"
	LockStatusLocked   LockStatus = "LOCKED"
	LockStatusExpired  LockStatus = "EXPIRED"
)

// Metadata is the parsed structural summary of a Terraform state file. It is
// derived from the blob by Parse and cached alongside each version; the blob
// itself remains authoritative.
type Metadata struct {
	// Version is the state file format version ("4" for current Terraform),
	// normalized to a string; "unknown" when absent.
	Version          string `json:"version"`
	TerraformVersion string `json:"terraform_version"`
	// Serial is the monotonic per-lineage counter Terraform itself maintains.
	Serial  int64  `json:"serial"`
	Lineage string `json:"lineage"`
	// Modules is populated from the v3-style top-level modules array when one
	// exists; v4 states track module membership per resource instead.
	Modules   []ModuleSummary          `json:"modules,omitempty"`
	Resources []ResourceSummary        `json:"resources,omitempty"`
	Outputs   map[string]OutputSummary `json:"outputs,omitempty"`
}

// ModuleSummary summarizes one entry of a v3-style modules array.
type ModuleSummary struct {
	Address       string `json:"address"`
	ResourceCount int    `json:"resource_count"`
}

// ResourceSummary summarizes one managed or data resource.
type ResourceSummary struct {
	Mode          string `json:"mode"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Provider      string `json:"provider,omitempty"`
	Module        string `json:"module,omitempty"`
	InstanceCount int    `json:"instance_count"`
}

// OutputSummary records an output's name-level attributes. Output values are
// deliberately not copied into metadata: outputs are frequently sensitive and
// already live in the state blob itself.
type OutputSummary struct {
	Sensitive bool   `json:"sensitive"`
	Type      string `json:"type,omitempty"`
}

// Info is the externally visible record for a workspace's current state.
type Info struct {
	BackendID    string    `json:"backend_id"`
	Workspace    string    `json:"workspace"`
	Environment  string    `json:"environment"`
	Status       Status    `json:"status"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum"`
	Encrypted    bool      `json:"encrypted"`
	Metadata     *Metadata `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	VersionCount int       `json:"version_count"`
}

// Version is one immutable historical snapshot of a workspace's state.
// VersionID is assigned at creation and never changes; VersionNumber is an
// ordinal assigned by enumeration (oldest first) and is not stored.
type Version struct {
	VersionID     string        `json:"version_id"`
	VersionNumber int           `json:"version_number"`
	Size          int64         `json:"size"`
	Checksum      string        `json:"checksum"`
	Metadata      *Metadata     `json:"metadata,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CreatedBy     string        `json:"created_by"`
	OperationType OperationType `json:"operation_type"`
}

// LockInfo is the lock payload exchanged with Terraform clients. The field
// names and capitalized JSON keys match Terraform's own LockInfo wire format,
// which the remote-backend endpoints must echo byte-compatibly.
type LockInfo struct {
	// ID is assigned by the coordinator at acquire time. A caller-supplied ID
	// is overwritten, never trusted.
	ID string `json:"ID"`
	// Operation is the terraform operation holding the lock (plan, apply, ...).
	Operation string    `json:"Operation"`
	Info      string    `json:"Info"`
	Who       string    `json:"Who"`
	Version   string    `json:"Version"`
	Created   time.Time `json:"Created"`
	// Path identifies the locked workspace as "backend_id/workspace".
	Path string `json:"Path"`
}

// Lock is the result of a successful acquire.
type Lock struct {
	LockID string   `json:"lock_id"`
	Info   LockInfo `json:"info"`
	// ClientID preserves the id the caller offered at acquire time.
	// Terraform's HTTP backend client keeps using its own generated id after
	// a successful lock and never learns the assigned one, so ownership
	// checks honor either.
	ClientID  string    `json:"client_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Owns reports whether candidate identifies this lock's holder: the
// coordinator-assigned id or, when one was offered, the holder's own id.
func (l *Lock) Owns(candidate string) bool {
	if candidate == "" {
		return false
	}
	return candidate == l.LockID || (l.ClientID != "" && candidate == l.ClientID)
}

// HeldLock pairs a live lock with the workspace it covers, for the
// observability enumeration endpoint.
type HeldLock struct {
	BackendID string    `json:"backend_id"`
	Workspace string    `json:"workspace"`
	Info      LockInfo  `json:"info"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BackupInfo describes one named backup copy of a workspace's state.
type BackupInfo struct {
	BackupID    string     `json:"backup_id"`
	BackendID   string     `json:"backend_id"`
	Workspace   string     `json:"workspace"`
	BackupType  BackupType `json:"backup_type"`
	Environment string     `json:"environment"`
	Size        int64      `json:"size"`
	Checksum    string     `json:"checksum"`
	Metadata    *Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
}
