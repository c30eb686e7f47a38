// Package remote implements the wire protocol Terraform's builtin "http"
// backend speaks: GET, POST, and DELETE on the workspace state document plus
// the nonstandard LOCK and UNLOCK methods.
//
// The protocol's quirks drive the shapes here. Terraform generates its own
// lock id and keeps using it even though the coordinator assigns a fresh one,
// so lock ownership resolves through the offered id preserved on the record.
// A lock conflict is answered with the holder's LockInfo as the entire
// response body, because that is what the client parses; everything else uses
// the same {"errors": ["..."]} envelope as the management API.
package remote

import (
	"crypto/md5"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tfstate-backend/tfstate-backend/internal/services"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

// Handler serves the Terraform http-backend protocol for one URL shape:
// /remote/:backend/:workspace. Everything goes through the manager so the
// protocol surface and the management API enforce identical locking and
// integrity rules.
type Handler struct {
	manager *services.Manager
}

// NewHandler creates a protocol handler over the state manager.
func NewHandler(manager *services.Manager) *Handler {
	return &Handler{manager: manager}
}

// respondError maps domain errors for the protocol surface. The client only
// inspects status codes (and, on lock conflict, the holder body handled
// separately in Lock), so the envelope exists for people debugging with curl.
func respondError(c *gin.Context, err error) {
	var (
		validationErr *state.ValidationError
		lockedErr     *state.StateLockedError
		corruptedErr  *state.StateCorruptedError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
	case errors.As(err, &lockedErr):
		body := gin.H{"errors": []string{err.Error()}}
		if lockedErr.Info != nil {
			body["lock"] = lockedErr.Info
		}
		c.JSON(http.StatusLocked, body)
	case state.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"errors": []string{err.Error()}})
	case errors.As(err, &corruptedErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"errors":            []string{err.Error()},
			"expected_checksum": corruptedErr.Expected,
			"actual_checksum":   corruptedErr.Actual,
		})
	case state.IsUnavailable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"errors": []string{err.Error()}})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"errors": []string{err.Error()}})
	}
}

// @Summary Fetch current state (Terraform protocol)
// @Description Returns the raw state document. A workspace that has never been written answers 204 so Terraform starts from empty state.
// @Tags remote
// @Produce json
// @Param backend path string true "Backend identifier"
// @Param workspace path string true "Workspace name"
// @Success 200 {object} map[string]interface{} "State document"
// @Success 204 "No state stored yet"
// @Failure 404 {object} map[string]interface{} "Backend not registered"
// @Failure 503 {object} map[string]interface{}
// @Router /remote/{backend}/{workspace} [get]

// GetState serves the current state document.
// GET /remote/:backend/:workspace
func (h *Handler) GetState(c *gin.Context) {
	data, _, err := h.manager.GetState(c.Request.Context(), c.Param("backend"), c.Param("workspace"), c.Query("environment"), "")
	if err != nil {
		// Missing state is the normal first-run case, not an error. A missing
		// backend stays a 404 so a mistyped address is visible in curl even
		// though the client treats both as empty state.
		var nf *state.StateNotFoundError
		if errors.As(err, &nf) {
			c.Status(http.StatusNoContent)
			return
		}
		respondError(c, err)
		return
	}

	// The client verifies the payload against Content-MD5 when present.
	sum := md5.Sum(data)
	c.Header("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	c.Data(http.StatusOK, "application/json", data)
}

// @Summary Store state (Terraform protocol)
// @Description Writes the posted document as the new current state. When the workspace is locked the client's lock id arrives in the ID query parameter.
// @Tags remote
// @Accept json
// @Produce json
// @Param backend path string true "Backend identifier"
// @Param workspace path string true "Workspace name"
// @Param ID query string false "Lock id of the holder"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 423 {object} map[string]interface{} "Held by another lock"
// @Router /remote/{backend}/{workspace} [post]

// UpdateState stores the request body as the new current state.
// POST /remote/:backend/:workspace?ID=<lock id>
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
		LockID:      c.Query("ID"),
		CreatedBy:   c.GetHeader("X-Actor"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version_id": res.VersionID})
}

// @Summary Delete state (Terraform protocol)
// @Tags remote
// @Produce json
// @Param backend path string true "Backend identifier"
// @Param workspace path string true "Workspace name"
// @Success 200 {object} map[string]interface{}
// @Failure 423 {object} map[string]interface{} "Held by another lock"
// @Router /remote/{backend}/{workspace} [delete]

// DeleteState removes the workspace's state.
// DELETE /remote/:backend/:workspace
func (h *Handler) DeleteState(c *gin.Context) {
	removed, err := h.manager.DeleteState(c.Request.Context(), c.Param("backend"), c.Param("workspace"), c.Query("environment"), c.Query("ID"), c.GetHeader("X-Actor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Lock acquires the workspace lock with the LockInfo the client posted.
// LOCK /remote/:backend/:workspace
//
// On success the client discards the response body and keeps its own id, so
// the conflict path is the one that matters: 423 with the holder's LockInfo
// as the bare body, which the client decodes to report who holds the lock.
func (h *Handler) Lock(c *gin.Context) {
	var info state.LockInfo
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&info); err != nil {
			respondError(c, &state.ValidationError{Reason: "invalid lock info", Err: err})
			return
		}
	}

	lock, err := h.manager.AcquireLock(c.Request.Context(), c.Param("backend"), c.Param("workspace"), info, 0)
	if err != nil {
		var locked *state.StateLockedError
		if errors.As(err, &locked) {
			holder := locked.Info
			if holder == nil {
				holder = &state.LockInfo{}
			}
			c.JSON(http.StatusLocked, holder)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock.Info)
}

// Unlock releases the lock named by the LockInfo in the request body.
// UNLOCK /remote/:backend/:workspace
//
// The client echoes back the exact LockInfo document it locked with; only
// its ID field matters here. A client that never locked in this process
// sends no body at all, which cannot name a lock and is rejected.
func (h *Handler) Unlock(c *gin.Context) {
	var info state.LockInfo
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&info); err != nil {
			respondError(c, &state.ValidationError{Reason: "invalid lock info", Err: err})
			return
		}
	}
	if info.ID == "" {
		respondError(c, &state.ValidationError{Reason: "lock id is required to unlock"})
		return
	}

	if err := h.manager.ReleaseLock(c.Request.Context(), c.Param("backend"), c.Param("workspace"), info.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "lock released"})
}

// Register mounts the protocol routes on the router group. LOCK and UNLOCK
// are nonstandard methods, registered through Handle.
func (h *Handler) Register(r *gin.RouterGroup) {
	r.GET("/:backend/:workspace", h.GetState)
	r.POST("/:backend/:workspace", h.UpdateState)
	r.PUT("/:backend/:workspace", h.UpdateState)
	r.DELETE("/:backend/:workspace", h.DeleteState)
	r.Handle("LOCK", "/:backend/:workspace", h.Lock)
	r.Handle("UNLOCK", "/:backend/:workspace", h.Unlock)
}
