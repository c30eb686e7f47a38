// backups.go implements the backup endpoints. Backups are named copies in a
// separate bucket, so deleting a workspace's state and versions leaves its
// backups untouched; restore feeds a backup's content back through the
// regular store path as a brand-new version.
package manage

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tfstate-backend/tfstate-backend/internal/services"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

type createBackupRequest struct {
	BackupType string `json:"backup_type"`
	CreatedBy  string `json:"created_by"`
}

// parseBackupType validates the optional backup_type body field; an empty
// value defaults to MANUAL downstream.
func parseBackupType(raw string) (state.BackupType, error) {
	switch state.BackupType(raw) {
	case "", state.BackupManual, state.BackupScheduled, state.BackupPreOperation, state.BackupDisasterRecovery:
		return state.BackupType(raw), nil
	default:
		return "", &state.ValidationError{Reason: "unknown backup_type " + raw}
	}
}

// @Summary      Create backup
// @Description  Copy the current state into the backup bucket under a fresh backup id.
// @Tags         Backups
// @Accept       json
// @Produce      json
// @Param        backend      path   string               true   "Backend ID"
// @Param        workspace    path   string               true   "Workspace name"
// @Param        environment  query  string               false  "Environment override"
// @Param        body         body   createBackupRequest  false  "Backup type and creator"
// @Success      201  {object}  state.BackupInfo
// @Failure      400  {object}  map[string]interface{}  "Unknown backup_type"
// @Failure      404  {object}  map[string]interface{}  "No state to back up"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/backups [post]
// CreateBackup copies the current state into the backup bucket
// POST /api/v1/backends/:backend/workspaces/:workspace/backups
func (h *Handler) CreateBackup(c *gin.Context) {
	var req createBackupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	backupType, err := parseBackupType(req.BackupType)
	if err != nil {
		respondError(c, err)
		return
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = actorFrom(c)
	}

	info, err := h.manager.CreateBackup(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		c.Query("environment"),
		backupType,
		createdBy,
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, info)
}

// @Summary      List backups
// @Description  List a workspace's backups, newest first.
// @Tags         Backups
// @Produce      json
// @Param        backend    path  string  true  "Backend ID"
// @Param        workspace  path  string  true  "Workspace name"
// @Success      200  {object}  map[string]interface{}  "backups: []state.BackupInfo"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/backups [get]
// ListBackups lists a workspace's backups
// GET /api/v1/backends/:backend/workspaces/:workspace/backups
func (h *Handler) ListBackups(c *gin.Context) {
	backups, err := h.manager.ListBackups(c.Request.Context(), c.Param("backend"), c.Param("workspace"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

// @Summary      Restore backup
// @Description  Restore a backup as the new current state. The restored content goes through the regular store path, so it lands as a new version with full history intact.
// @Tags         Backups
// @Produce      json
// @Param        backend      path   string  true   "Backend ID"
// @Param        workspace    path   string  true   "Workspace name"
// @Param        backup       path   string  true   "Backup ID"
// @Param        environment  query  string  false  "Environment override"
// @Param        lock_id      query  string  false  "Lock id (alternative to X-Lock-ID header)"
// @Success      200  {object}  map[string]interface{}  "version_id + info of the new current state"
// @Failure      404  {object}  map[string]interface{}  "Backup not found"
// @Failure      423  {object}  map[string]interface{}  "Locked by another holder"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/backups/{backup}/restore [post]
// RestoreBackup restores a backup as the new current state
// POST /api/v1/backends/:backend/workspaces/:workspace/backups/:backup/restore
func (h *Handler) RestoreBackup(c *gin.Context) {
	res, err := h.manager.RestoreBackup(c.Request.Context(), services.RestoreBackupRequest{
		BackendID:   c.Param("backend"),
		Workspace:   c.Param("workspace"),
		Environment: c.Query("environment"),
		BackupID:    c.Param("backup"),
		LockID:      lockIDFrom(c),
		CreatedBy:   actorFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version_id": res.VersionID,
		"info":       res.Info,
	})
}
