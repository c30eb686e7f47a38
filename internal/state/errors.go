package state

import (
	"errors"
	"fmt"
)

// StateNotFoundError reports that a workspace has no current state.
type StateNotFoundError struct {
	BackendID string
	Workspace string
}

func (e *StateNotFoundError) Error() string {
	return fmt.Sprintf("no state found for %s/%s", e.BackendID, e.Workspace)
}

// VersionNotFoundError reports that a specific state version does not exist.
type VersionNotFoundError struct {
	BackendID string
	Workspace string
	VersionID string
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("state version %s not found for %s/%s", e.VersionID, e.BackendID, e.Workspace)
}

// BackupNotFoundError reports that a named backup does not exist.
type BackupNotFoundError struct {
	BackendID string
	Workspace string
	BackupID  string
}

func (e *BackupNotFoundError) Error() string {
	return fmt.Sprintf("backup %s not found for %s/%s", e.BackupID, e.BackendID, e.Workspace)
}

// BackendNotFoundError reports that no backend with the given id is
// registered in the backend directory.
type BackendNotFoundError struct {
	BackendID string
}

func (e *BackendNotFoundError) Error() string {
	return fmt.Sprintf("backend %q is not registered", e.BackendID)
}

// LockNotFoundError reports a release or extend against a workspace that is
// not currently locked.
type LockNotFoundError struct {
	BackendID string
	Workspace string
}

func (e *LockNotFoundError) Error() string {
	return fmt.Sprintf("no lock held on %s/%s", e.BackendID, e.Workspace)
}

// StateLockedError is returned when an operation conflicts with a lock held
// by someone else. Info carries the conflicting holder's lock record so the
// caller can decide to wait, retry, or force-unlock.
type StateLockedError struct {
	Info *LockInfo
}

func (e *StateLockedError) Error() string {
	if e.Info == nil {
		return "state is locked"
	}
	return fmt.Sprintf("state is locked by %s (lock %s, operation %s, since %s)",
		e.Info.Who, e.Info.ID, e.Info.Operation, e.Info.Created.Format("2006-01-02T15:04:05Z07:00"))
}

// StateCorruptedError reports a checksum mismatch between stored bytes and
// the checksum recorded when the version was written. The service never
// repairs or falls back automatically; recovery is an explicit operator
// rollback.
type StateCorruptedError struct {
	BackendID string
	Workspace string
	VersionID string
	Expected  string
	Actual    string
}

func (e *StateCorruptedError) Error() string {
	target := e.BackendID + "/" + e.Workspace
	if e.VersionID != "" {
		target += "@" + e.VersionID
	}
	return fmt.Sprintf("state corrupted for %s: checksum mismatch (expected %s, got %s)", target, e.Expected, e.Actual)
}

// ValidationError rejects malformed input (state JSON that does not parse,
// illegal backend or workspace names) before any write happens.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BackendError wraps an infrastructure failure from the object store or the
// backend directory. Callers may retry with backoff; the service itself never
// retries.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// CoordinationError wraps a coordination-store (Redis) transport failure.
type CoordinationError struct {
	Op  string
	Err error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("lock coordination error during %s: %v", e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is any of the not-found error kinds.
func IsNotFound(err error) bool {
	var (
		sn *StateNotFoundError
		vn *VersionNotFoundError
		bn *BackupNotFoundError
		be *BackendNotFoundError
		ln *LockNotFoundError
	)
	return errors.As(err, &sn) || errors.As(err, &vn) || errors.As(err, &bn) ||
		errors.As(err, &be) || errors.As(err, &ln)
}

// IsUnavailable reports whether err is an infrastructure failure that maps to
// a retryable service-unavailable response.
func IsUnavailable(err error) bool {
	var (
		be *BackendError
		ce *CoordinationError
	)
	return errors.As(err, &be) || errors.As(err, &ce)
}
