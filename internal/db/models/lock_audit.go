// Package models - lock_audit.go defines the LockAuditEntry model recording
// lock lifecycle events: who held what, when it was taken or freed, and for
// force unlocks, why.
package models

import "time"

// Lock audit event types.
const (
	LockEventAcquired      = "acquired"
	LockEventReleased      = "released"
	LockEventForceUnlocked = "force_unlocked"
	LockEventExpired       = "expired"
)

// LockAuditEntry is one lock lifecycle event.
type LockAuditEntry struct {
	ID        string    `json:"id"`
	BackendID string    `json:"backend_id"`
	Workspace string    `json:"workspace"`
	Event     string    `json:"event"`
	LockID    *string   `json:"lock_id,omitempty"`   // Nullable: a force unlock may find nothing held
	Who       *string   `json:"who,omitempty"`       // Principal from the holder's LockInfo
	Operation *string   `json:"operation,omitempty"` // Operation from the holder's LockInfo
	Reason    *string   `json:"reason,omitempty"`    // Supplied for force unlocks and expiries
	CreatedAt time.Time `json:"created_at"`
}
