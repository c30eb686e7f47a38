// Package manage implements the management API mounted under /api/v1:
// backend directory CRUD, workspace state operations, version history,
// locking, backups, and the lock audit trail.
//
// Handlers are thin. Request decoding and status mapping happen here; all
// sequencing, lock checks, and policy live in services.Manager. Every error
// response uses the same body shape:
//
//	{"errors": ["..."]}
package manage

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tfstate-backend/tfstate-backend/internal/db/repositories"
	"github.com/tfstate-backend/tfstate-backend/internal/services"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

// Handler bundles the collaborators shared by all management endpoints.
// Backend CRUD and audit listing go straight to their repositories; every
// state, lock, and backup operation goes through the manager.
type Handler struct {
	manager  *services.Manager
	backends *repositories.BackendRepository
	audit    *repositories.LockAuditRepository
}

// NewHandler creates a management API handler.
func NewHandler(manager *services.Manager, backends *repositories.BackendRepository, audit *repositories.LockAuditRepository) *Handler {
	return &Handler{
		manager:  manager,
		backends: backends,
		audit:    audit,
	}
}

// respondError maps domain errors onto HTTP statuses:
//
//	ValidationError                    400
//	StateLockedError                   423 (+ holder lock record)
//	not-found family                   404
//	StateCorruptedError                500 (+ both checksums)
//	BackendError / CoordinationError   503
//	anything else                      500
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

// bindError turns a gin binding failure into the shared 400 body.
func bindError(c *gin.Context, err error) {
	respondError(c, &state.ValidationError{Reason: "invalid request body", Err: err})
}

// lockIDFrom extracts the caller's lock id from the X-Lock-ID header or the
// lock_id query parameter. The header wins when both are present.
func lockIDFrom(c *gin.Context) string {
	if id := c.GetHeader("X-Lock-ID"); id != "" {
		return id
	}
	return c.Query("lock_id")
}

// actorFrom identifies the caller for audit attribution. There is no
// authentication layer, so this is self-reported via the X-Actor header.
func actorFrom(c *gin.Context) string {
	return c.GetHeader("X-Actor")
}

// limitQuery parses the optional ?limit= parameter; zero means no limit (or
// the endpoint's default). Malformed and negative values are treated as
// unset rather than rejected.
func limitQuery(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
