// backends.go implements CRUD handlers for the backend directory. A backend
// must be registered here before any state operation can address it; its row
// carries the environment, versioning, retention, and terraform-version
// policies applied to all of its workspaces.
package manage

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
	"github.com/tfstate-backend/tfstate-backend/internal/validation"
)

// directoryError wraps a backend-directory database failure so it maps to 503.
func directoryError(err error) error {
	return &state.BackendError{Op: "backend_directory", Err: err}
}

// @Summary      Register backend
// @Description  Register a new backend in the directory. The backend_id becomes part of bucket names and API paths.
// @Tags         Backends
// @Accept       json
// @Produce      json
// @Param        body  body  models.BackendInput  true  "Backend registration"
// @Success      201  {object}  models.BackendResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid backend_id, environment, or version"
// @Failure      409  {object}  map[string]interface{}  "Backend already registered"
// @Failure      503  {object}  map[string]interface{}  "Directory unavailable"
// @Router       /api/v1/backends [post]
// CreateBackend registers a new backend
// POST /api/v1/backends
func (h *Handler) CreateBackend(c *gin.Context) {
	var input models.BackendInput
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	if err := validation.ValidateBackendID(input.BackendID); err != nil {
		respondError(c, &state.ValidationError{Reason: err.Error()})
		return
	}
	if input.Environment != "" {
		if err := validation.ValidateEnvironment(input.Environment); err != nil {
			respondError(c, &state.ValidationError{Reason: err.Error()})
			return
		}
	}
	if input.MinTerraformVersion != "" {
		if err := validation.ValidateTerraformVersion(input.MinTerraformVersion); err != nil {
			respondError(c, &state.ValidationError{Reason: err.Error()})
			return
		}
	}
	if input.VersionRetention != nil && *input.VersionRetention < 0 {
		respondError(c, &state.ValidationError{Reason: "version_retention must not be negative"})
		return
	}

	existing, err := h.backends.GetByBackendID(c.Request.Context(), input.BackendID)
	if err != nil {
		respondError(c, directoryError(err))
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"errors": []string{"backend \"" + input.BackendID + "\" is already registered"}})
		return
	}

	backend := &models.Backend{
		BackendID:   input.BackendID,
		DisplayName: input.DisplayName,
		Description: input.Description,
		Environment: input.Environment,
		// New backends keep version history unless explicitly disabled.
		VersioningEnabled: true,
	}
	if input.StorageProvider != "" {
		backend.StorageProvider = sql.NullString{String: input.StorageProvider, Valid: true}
	}
	if input.MinTerraformVersion != "" {
		backend.MinTerraformVersion = sql.NullString{String: input.MinTerraformVersion, Valid: true}
	}
	if input.EncryptionEnabled != nil {
		backend.EncryptionEnabled = *input.EncryptionEnabled
	}
	if input.VersioningEnabled != nil {
		backend.VersioningEnabled = *input.VersioningEnabled
	}
	if input.VersionRetention != nil {
		backend.VersionRetention = *input.VersionRetention
	}

	if err := h.backends.Create(c.Request.Context(), backend); err != nil {
		respondError(c, directoryError(err))
		return
	}

	c.JSON(http.StatusCreated, backend.ToResponse())
}

// @Summary      List backends
// @Description  List all registered backends ordered by backend_id.
// @Tags         Backends
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "backends: []models.BackendResponse"
// @Failure      503  {object}  map[string]interface{}  "Directory unavailable"
// @Router       /api/v1/backends [get]
// ListBackends lists all registered backends
// GET /api/v1/backends
func (h *Handler) ListBackends(c *gin.Context) {
	backends, err := h.backends.List(c.Request.Context())
	if err != nil {
		respondError(c, directoryError(err))
		return
	}

	responses := make([]models.BackendResponse, len(backends))
	for i, b := range backends {
		responses[i] = b.ToResponse()
	}
	c.JSON(http.StatusOK, gin.H{"backends": responses})
}

// @Summary      Get backend
// @Description  Retrieve one backend registration by its backend_id.
// @Tags         Backends
// @Produce      json
// @Param        backend  path  string  true  "Backend ID"
// @Success      200  {object}  models.BackendResponse
// @Failure      404  {object}  map[string]interface{}  "Backend not registered"
// @Failure      503  {object}  map[string]interface{}  "Directory unavailable"
// @Router       /api/v1/backends/{backend} [get]
// GetBackend retrieves one backend registration
// GET /api/v1/backends/:backend
func (h *Handler) GetBackend(c *gin.Context) {
	backendID := c.Param("backend")

	backend, err := h.backends.GetByBackendID(c.Request.Context(), backendID)
	if err != nil {
		respondError(c, directoryError(err))
		return
	}
	if backend == nil {
		respondError(c, &state.BackendNotFoundError{BackendID: backendID})
		return
	}

	c.JSON(http.StatusOK, backend.ToResponse())
}

// @Summary      Update backend
// @Description  Partially update a backend registration. Nil fields are left unchanged.
// @Tags         Backends
// @Accept       json
// @Produce      json
// @Param        backend  path  string                     true  "Backend ID"
// @Param        body     body  models.BackendUpdateInput  true  "Fields to update"
// @Success      200  {object}  models.BackendResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid field value"
// @Failure      404  {object}  map[string]interface{}  "Backend not registered"
// @Failure      503  {object}  map[string]interface{}  "Directory unavailable"
// @Router       /api/v1/backends/{backend} [patch]
// UpdateBackend applies a partial update to a backend registration
// PATCH /api/v1/backends/:backend
func (h *Handler) UpdateBackend(c *gin.Context) {
	backendID := c.Param("backend")

	var input models.BackendUpdateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	backend, err := h.backends.GetByBackendID(c.Request.Context(), backendID)
	if err != nil {
		respondError(c, directoryError(err))
		return
	}
	if backend == nil {
		respondError(c, &state.BackendNotFoundError{BackendID: backendID})
		return
	}

	if input.DisplayName != nil {
		backend.DisplayName = *input.DisplayName
	}
	if input.Description != nil {
		backend.Description = *input.Description
	}
	if input.Environment != nil {
		if *input.Environment != "" {
			if err := validation.ValidateEnvironment(*input.Environment); err != nil {
				respondError(c, &state.ValidationError{Reason: err.Error()})
				return
			}
		}
		backend.Environment = *input.Environment
	}
	if input.StorageProvider != nil {
		if *input.StorageProvider == "" {
			backend.StorageProvider = sql.NullString{}
		} else {
			backend.StorageProvider = sql.NullString{String: *input.StorageProvider, Valid: true}
		}
	}
	if input.EncryptionEnabled != nil {
		backend.EncryptionEnabled = *input.EncryptionEnabled
	}
	if input.VersioningEnabled != nil {
		backend.VersioningEnabled = *input.VersioningEnabled
	}
	if input.VersionRetention != nil {
		if *input.VersionRetention < 0 {
			respondError(c, &state.ValidationError{Reason: "version_retention must not be negative"})
			return
		}
		backend.VersionRetention = *input.VersionRetention
	}
	if input.MinTerraformVersion != nil {
		if *input.MinTerraformVersion == "" {
			backend.MinTerraformVersion = sql.NullString{}
		} else {
			if err := validation.ValidateTerraformVersion(*input.MinTerraformVersion); err != nil {
				respondError(c, &state.ValidationError{Reason: err.Error()})
				return
			}
			backend.MinTerraformVersion = sql.NullString{String: *input.MinTerraformVersion, Valid: true}
		}
	}

	if err := h.backends.Update(c.Request.Context(), backend); err != nil {
		respondError(c, directoryError(err))
		return
	}

	c.JSON(http.StatusOK, backend.ToResponse())
}

// @Summary      Deregister backend
// @Description  Remove a backend from the directory. Stored state objects are not touched; the backend simply stops resolving.
// @Tags         Backends
// @Produce      json
// @Param        backend  path  string  true  "Backend ID"
// @Success      200  {object}  map[string]interface{}  "message: backend deregistered"
// @Failure      404  {object}  map[string]interface{}  "Backend not registered"
// @Failure      503  {object}  map[string]interface{}  "Directory unavailable"
// @Router       /api/v1/backends/{backend} [delete]
// DeleteBackend removes a backend registration
// DELETE /api/v1/backends/:backend
func (h *Handler) DeleteBackend(c *gin.Context) {
	backendID := c.Param("backend")

	existed, err := h.backends.Delete(c.Request.Context(), backendID)
	if err != nil {
		respondError(c, directoryError(err))
		return
	}
	if !existed {
		respondError(c, &state.BackendNotFoundError{BackendID: backendID})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "backend deregistered"})
}
