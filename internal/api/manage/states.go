// states.go implements the workspace state endpoints: the current state
// document, version history, rollback, workspace enumeration, and manual
// version cleanup. State documents are served and accepted as raw bytes;
// only the surrounding metadata is wrapped in JSON envelopes.
package manage

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tfstate-backend/tfstate-backend/internal/services"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

// @Summary      Get current state
// @Description  Download the current state document for a workspace. The body is the verbatim state JSON.
// @Tags         States
// @Produce      json
// @Param        backend      path   string  true   "Backend ID"
// @Param        workspace    path   string  true   "Workspace name"
// @Param        environment  query  string  false  "Environment override"
// @Success      200  {string}  string  "Raw state document"
// @Failure      404  {object}  map[string]interface{}  "No state stored"
// @Failure      500  {object}  map[string]interface{}  "Checksum mismatch"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/state [get]
// GetState serves the current state document
// GET /api/v1/backends/:backend/workspaces/:workspace/state
func (h *Handler) GetState(c *gin.Context) {
	data, _, err := h.manager.GetState(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		c.Query("environment"),
		"",
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", data)
}

// @Summary      Update state
// @Description  Store a new state document. The body is the raw state JSON; the previous state becomes a retained version. Honors a held lock via X-Lock-ID.
// @Tags         States
// @Accept       json
// @Produce      json
// @Param        backend      path    string  true   "Backend ID"
// @Param        workspace    path    string  true   "Workspace name"
// @Param        environment  query   string  false  "Environment override"
// @Param        lock_id      query   string  false  "Lock id (alternative to X-Lock-ID header)"
// @Success      200  {object}  map[string]interface{}  "version_id + info"
// @Failure      400  {object}  map[string]interface{}  "Malformed state JSON or version below backend minimum"
// @Failure      423  {object}  map[string]interface{}  "Locked by another holder"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/state [put]
// UpdateState stores a new state document
// PUT /api/v1/backends/:backend/workspaces/:workspace/state
func (h *Handler) UpdateState(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		respondError(c, &state.ValidationError{Reason: "unreadable request body", Err: err})
		return
	}

	res, err := h.manager.UpdateState(c.Request.Context(), services.UpdateStateRequest{
		BackendID:   c.Param("backend"),
		Workspace:   c.Param("workspace"),
		Environment: c.Query("environment"),
		Data:        data,
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

// @Summary      Delete state
// @Description  Delete the current state and all retained versions for a workspace. Backups are kept. Honors a held lock via X-Lock-ID.
// @Tags         States
// @Produce      json
// @Param        backend      path   string  true   "Backend ID"
// @Param        workspace    path   string  true   "Workspace name"
// @Param        environment  query  string  false  "Environment override"
// @Param        lock_id      query  string  false  "Lock id (alternative to X-Lock-ID header)"
// @Success      200  {object}  map[string]interface{}  "removed: object count"
// @Failure      404  {object}  map[string]interface{}  "No state stored"
// @Failure      423  {object}  map[string]interface{}  "Locked by another holder"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/state [delete]
// DeleteState deletes a workspace's state and history
// DELETE /api/v1/backends/:backend/workspaces/:workspace/state
func (h *Handler) DeleteState(c *gin.Context) {
	removed, err := h.manager.DeleteState(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		c.Query("environment"),
		lockIDFrom(c),
		actorFrom(c),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// @Summary      Get state info
// @Description  Retrieve the metadata record for a workspace's current state without downloading the document.
// @Tags         States
// @Produce      json
// @Param        backend      path   string  true   "Backend ID"
// @Param        workspace    path   string  true   "Workspace name"
// @Param        environment  query  string  false  "Environment override"
// @Success      200  {object}  state.Info
// @Failure      404  {object}  map[string]interface{}  "No state stored"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/state/info [get]
// GetStateInfo serves the current state's metadata record
// GET /api/v1/backends/:backend/workspaces/:workspace/state/info
func (h *Handler) GetStateInfo(c *gin.Context) {
	info, err := h.manager.GetStateInfo(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		c.Query("environment"),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// @Summary      List state versions
// @Description  List a workspace's version history, oldest first. Versions with unreadable metadata are reported in skipped rather than failing the listing.
// @Tags         States
// @Produce      json
// @Param        backend      path   string  true   "Backend ID"
// @Param        workspace    path   string  true   "Workspace name"
// @Param        environment  query  string  false  "Environment override"
// @Param        limit        query  int     false  "Maximum versions to return"
// @Success      200  {object}  map[string]interface{}  "versions (+ skipped when present)"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/versions [get]
// ListVersions lists a workspace's version history
// GET /api/v1/backends/:backend/workspaces/:workspace/versions
func (h *Handler) ListVersions(c *gin.Context) {
	versions, skipped, err := h.manager.ListVersions(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		c.Query("environment"),
		limitQuery(c),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{"versions": versions}
	if len(skipped) > 0 {
		body["skipped"] = skipped
	}
	c.JSON(http.StatusOK, body)
}

// @Summary      Get historical state version
// @Description  Download the state document of one retained version. The body is the verbatim state JSON of that version.
// @Tags         States
// @Produce      json
// @Param        backend      path   string  true   "Backend ID"
// @Param        workspace    path   string  true   "Workspace name"
// @Param        version      path   string  true   "Version ID"
// @Param        environment  query  string  false  "Environment override"
// @Success      200  {string}  string  "Raw state document"
// @Failure      404  {object}  map[string]interface{}  "Version not found"
// @Failure      500  {object}  map[string]interface{}  "Checksum mismatch"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/versions/{version}/state [get]
// GetVersionState serves one retained version's state document
// GET /api/v1/backends/:backend/workspaces/:workspace/versions/:version/state
func (h *Handler) GetVersionState(c *gin.Context) {
	data, _, err := h.manager.GetState(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		c.Query("environment"),
		c.Param("version"),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", data)
}

type rollbackRequest struct {
	VersionID string `json:"version_id" binding:"required"`
}

// @Summary      Roll back state
// @Description  Restore a historical version as the new current state. Rollback is additive: the restored content becomes a brand-new version and no history is rewritten.
// @Tags         States
// @Accept       json
// @Produce      json
// @Param        backend      path   string           true   "Backend ID"
// @Param        workspace    path   string           true   "Workspace name"
// @Param        environment  query  string           false  "Environment override"
// @Param        body         body   rollbackRequest  true   "Version to roll back to"
// @Success      200  {object}  map[string]interface{}  "version_id + info of the new current state"
// @Failure      400  {object}  map[string]interface{}  "Missing version_id"
// @Failure      404  {object}  map[string]interface{}  "Version not found"
// @Failure      423  {object}  map[string]interface{}  "Locked by another holder"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/rollback [post]
// RollbackState restores a historical version as a new current state
// POST /api/v1/backends/:backend/workspaces/:workspace/rollback
func (h *Handler) RollbackState(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.manager.RollbackState(c.Request.Context(), services.RollbackStateRequest{
		BackendID:   c.Param("backend"),
		Workspace:   c.Param("workspace"),
		Environment: c.Query("environment"),
		VersionID:   req.VersionID,
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

// @Summary      List workspaces
// @Description  List the workspaces holding state under a backend.
// @Tags         States
// @Produce      json
// @Param        backend      path   string  true   "Backend ID"
// @Param        environment  query  string  false  "Environment override"
// @Success      200  {object}  map[string]interface{}  "workspaces: []string"
// @Router       /api/v1/backends/{backend}/workspaces [get]
// ListWorkspaces lists the workspaces holding state under a backend
// GET /api/v1/backends/:backend/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.manager.ListWorkspaces(
		c.Request.Context(),
		c.Param("backend"),
		c.Query("environment"),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

type cleanupRequest struct {
	// KeepCount must be explicit; an omitted field is rejected rather than
	// interpreted as "delete everything".
	KeepCount *int `json:"keep_count" binding:"required"`
}

// @Summary      Clean up old versions
// @Description  Delete the oldest retained versions beyond keep_count. The current state is never touched.
// @Tags         States
// @Accept       json
// @Produce      json
// @Param        backend      path   string          true   "Backend ID"
// @Param        workspace    path   string          true   "Workspace name"
// @Param        environment  query  string          false  "Environment override"
// @Param        body         body   cleanupRequest  true   "Newest versions to keep"
// @Success      200  {object}  map[string]interface{}  "removed: version count"
// @Failure      400  {object}  map[string]interface{}  "Missing or negative keep_count"
// @Router       /api/v1/backends/{backend}/workspaces/{workspace}/versions/cleanup [post]
// CleanupVersions deletes the oldest versions beyond a keep count
// POST /api/v1/backends/:backend/workspaces/:workspace/versions/cleanup
func (h *Handler) CleanupVersions(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	removed, err := h.manager.CleanupVersions(
		c.Request.Context(),
		c.Param("backend"),
		c.Param("workspace"),
		c.Query("environment"),
		*req.KeepCount,
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
