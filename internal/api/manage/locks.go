// locks.go implements the workspace lock endpoints. Locking is advisory and
// non-blocking: acquire either succeeds immediately or reports the holder;
// waiting and retrying is the caller's business. The audit trail endpoints
// expose the durable lock_audit table the coordinator and manager write to.
package manage

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

// auditError wraps a lock_audit database failure so it maps to 503.
func auditError(err error) error {
	return &state.BackendError{Op: "audit_trail", Err: err}
}

// timeoutQuery parses the optional ?timeout= parameter in seconds; zero lets
// the coordinator apply its configured default.
func timeoutQuery(c *gin.Context) time.Duration {
	raw := c.Query("timeout")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// @Summary      Acquire lock
// @Description  Acquire the workspace lock. The body is a Terraform LockInfo record; the reported ID is assigned by the coordinator, never taken from the caller.
// @Tags         Locks
// @Accept       json
// @Produce      json
// @Param        backend    path   string          true   "Backend ID"
// @Param        workspace  path   string          true   "Workspace name"
// @Param        timeout    query  int             false  "Lock TTL in seconds (clamped to the configured maximum)"
// @Param        body       body   state.LockInfo  false  "Lock metadata (Operation, Who, ...)"
// @Success      200  {object}  state.Lock
// @Failure      423  {object}  map[string]interface{}  "Held by someone else; body includes the holder's lock record"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/lock [post]
// AcquireLock acquires the workspace lock
// POST /api/v1/backends/:backend/workspaces/:workspace/lock
func (h *Handler) AcquireLock(c *gin.Context) {
	var info state.LockInfo
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&info); err != nil {
			bindError(c, err)
			return
		}
	}

	lock, err := h.manager.AcquireLock(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		info,
		timeoutQuery(c),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, lock)
}

type releaseRequest struct {
	LockID string `json:"lock_id"`
}

// @Summary      Release lock
// @Description  Release a held lock. The lock id may arrive via X-Lock-ID, ?lock_id=, or a JSON body; releasing with a mismatched id fails.
// @Tags         Locks
// @Produce      json
// @Param        backend    path   string  true   "Backend ID"
// @Param        workspace  path   string  true   "Workspace name"
// @Param        lock_id    query  string  false  "Lock id"
// @Success      200  {object}  map[string]interface{}  "message: lock released"
// @Failure      404  {object}  map[string]interface{}  "No lock held"
// @Failure      423  {object}  map[string]interface{}  "Lock id does not match the holder"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/lock [delete]
// ReleaseLock releases the workspace lock
// DELETE /api/v1/backends/:backend/workspaces/:workspace/lock
func (h *Handler) ReleaseLock(c *gin.Context) {
	lockID := lockIDFrom(c)
	if lockID == "" && c.Request.ContentLength > 0 {
		var req releaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		lockID = req.LockID
	}

	err := h.manager.ReleaseLock(c.Request.Context(), c.Param("backend"), c.Param("workspace"), lockID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "lock released"})
}

// @Summary      Lock status
// @Description  Report the workspace lock status (LOCKED, UNLOCKED, or EXPIRED) and, when held, the holder's lock record. EXPIRED is reported exactly once, by the check that lazily removes the stale record.
// @Tags         Locks
// @Produce      json
// @Param        backend    path  string  true  "Backend ID"
// @Param        workspace  path  string  true  "Workspace name"
// @Success      200  {object}  map[string]interface{}  "status (+ info when held)"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/lock [get]
// LockStatus reports the workspace lock status
// GET /api/v1/backends/:backend/workspaces/:workspace/lock
func (h *Handler) LockStatus(c *gin.Context) {
	backendID := c.Param("backend")
	workspace := c.Param("workspace")

	status, err := h.manager.LockStatus(c.Request.Context(), backendID, workspace)
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{"status": status}
	if status == state.LockStatusLocked {
		info, err := h.manager.LockInfo(c.Request.Context(), backendID, workspace)
		if err != nil {
			respondError(c, err)
			return
		}
		if info != nil {
			body["info"] = info
		}
	}
	c.JSON(http.StatusOK, body)
}

type forceUnlockRequest struct {
	Reason      string `json:"reason" binding:"required"`
	RequestedBy string `json:"requested_by"`
}

// @Summary      Force unlock
// @Description  Remove the lock regardless of holder. Requires a reason, which lands in the audit trail. Idempotent: force-unlocking an unlocked workspace reports freed=false.
// @Tags         Locks
// @Accept       json
// @Produce      json
// @Param        backend    path  string              true  "Backend ID"
// @Param        workspace  path  string              true  "Workspace name"
// @Param        body       body  forceUnlockRequest  true  "Reason and requester"
// @Success      200  {object}  map[string]interface{}  "freed (+ previous holder when one was evicted)"
// @Failure      400  {object}  map[string]interface{}  "Missing reason"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/lock/force-unlock [post]
// ForceUnlock removes the workspace lock regardless of holder
// POST /api/v1/backends/:backend/workspaces/:workspace/lock/force-unlock
func (h *Handler) ForceUnlock(c *gin.Context) {
	var req forceUnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	freed, previous, err := h.manager.ForceUnlock(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		req.Reason,
		req.RequestedBy,
	)
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{"freed": freed}
	if previous != nil {
		body["previous"] = previous
	}
	c.JSON(http.StatusOK, body)
}

type extendRequest struct {
	LockID        string `json:"lock_id" binding:"required"`
	ExtendSeconds int    `json:"extend_seconds"`
}

// @Summary      Extend lock
// @Description  Push out the expiry of a held lock. Only the holder (matching lock id) may extend.
// @Tags         Locks
// @Accept       json
// @Produce      json
// @Param        backend    path  string         true  "Backend ID"
// @Param        workspace  path  string         true  "Workspace name"
// @Param        body       body  extendRequest  true  "Lock id and extension"
// @Success      200  {object}  state.Lock
// @Failure      404  {object}  map[string]interface{}  "No lock held"
// @Failure      423  {object}  map[string]interface{}  "Lock id does not match the holder"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/lock/extend [post]
// ExtendLock pushes out the expiry of a held lock
// POST /api/v1/backends/:backend/workspaces/:workspace/lock/extend
func (h *Handler) ExtendLock(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	lock, err := h.manager.ExtendLock(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		req.LockID,
		time.Duration(req.ExtendSeconds)*time.Second,
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, lock)
}

// @Summary      List held locks
// @Description  Enumerate every lock currently held across all backends and workspaces. Best-effort observability, not a consistency primitive.
// @Tags         Locks
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "locks: []state.HeldLock"
// @Router       /api/v1/locks [get]
// ListLocks enumerates all currently held locks
// GET /api/v1/locks
func (h *Handler) ListLocks(c *gin.Context) {
	locks, err := h.manager.ListAllLocks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

// @Summary      Workspace lock audit trail
// @Description  List the newest lock lifecycle events (acquired, released, force_unlocked, expired) for one workspace.
// @Tags         Locks
// @Produce      json
// @Param        backend    path   string  true   "Backend ID"
// @Param        workspace  path   string  true   "Workspace name"
// @Param        limit      query  int     false  "Maximum entries (default 50)"
// @Success      200  {object}  map[string]interface{}  "entries: []models.LockAuditEntry"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/audit [get]
// WorkspaceAudit lists the lock audit trail for one workspace
// GET /api/v1/backends/:backend/workspaces/:workspace/audit
func (h *Handler) WorkspaceAudit(c *gin.Context) {
	entries, err := h.audit.ListByWorkspace(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		limitQuery(c),
	)
	if err != nil {
		respondError(c, auditError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// @Summary      Recent lock audit trail
// @Description  List the newest lock lifecycle events across all backends and workspaces.
// @Tags         Locks
// @Produce      json
// @Param        limit  query  int  false  "Maximum entries (default 50)"
// @Success      200  {object}  map[string]interface{}  "entries: []models.LockAuditEntry"
// @Router       /api/v1/audit [get]
// RecentAudit lists the newest lock audit entries service-wide
// GET /api/v1/audit
func (h *Handler) RecentAudit(c *gin.Context) {
	entries, err := h.audit.ListRecent(c.Request.Context(), limitQuery(c))
	if err != nil {
		respondError(c, auditError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
