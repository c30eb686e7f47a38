// Package models - backend.go defines the Backend model: one row per registered
// storage target, carrying the bucket-affecting settings (environment,
// encryption, versioning) along with the retention and terraform-version
// policies enforced on its workspaces.
package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Backend is a registered storage target. BackendID is the slug that appears
// in bucket names and API paths; ID is the surrogate key.
type Backend struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	BackendID           string         `db:"backend_id" json:"backend_id"`
	DisplayName         string         `db:"display_name" json:"display_name"`
	Description         string         `db:"description" json:"description"`
	Environment         string         `db:"environment" json:"environment"`
	StorageProvider     sql.NullString `db:"storage_provider" json:"-"`
	EncryptionEnabled   bool           `db:"encryption_enabled" json:"encryption_enabled"`
	VersioningEnabled   bool           `db:"versioning_enabled" json:"versioning_enabled"`
	VersionRetention    int            `db:"version_retention" json:"version_retention"` // 0 keeps every version
	MinTerraformVersion sql.NullString `db:"min_terraform_version" json:"-"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// BackendInput is the create/update request body for a backend.
type BackendInput struct {
	BackendID           string `json:"backend_id" binding:"required"`
	DisplayName         string `json:"display_name"`
	Description         string `json:"description"`
	Environment         string `json:"environment"`
	StorageProvider     string `json:"storage_provider"`
	EncryptionEnabled   *bool  `json:"encryption_enabled"`
	VersioningEnabled   *bool  `json:"versioning_enabled"`
	VersionRetention    *int   `json:"version_retention"`
	MinTerraformVersion string `json:"min_terraform_version"`
}

// BackendUpdateInput is the partial-update request body for a backend. Nil
// fields are left unchanged; a pointer to the zero value clears the field.
type BackendUpdateInput struct {
	DisplayName         *string `json:"display_name"`
	Description         *string `json:"description"`
	Environment         *string `json:"environment"`
	StorageProvider     *string `json:"storage_provider"`
	EncryptionEnabled   *bool   `json:"encryption_enabled"`
	VersioningEnabled   *bool   `json:"versioning_enabled"`
	VersionRetention    *int    `json:"version_retention"`
	MinTerraformVersion *string `json:"min_terraform_version"`
}

// BackendResponse is the API representation of a backend.
type BackendResponse struct {
	ID                  uuid.UUID `json:"id"`
	BackendID           string    `json:"backend_id"`
	DisplayName         string    `json:"display_name"`
	Description         string    `json:"description,omitempty"`
	Environment         string    `json:"environment"`
	StorageProvider     string    `json:"storage_provider,omitempty"`
	EncryptionEnabled   bool      `json:"encryption_enabled"`
	VersioningEnabled   bool      `json:"versioning_enabled"`
	VersionRetention    int       `json:"version_retention"`
	MinTerraformVersion string    `json:"min_terraform_version,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ToResponse converts a Backend row into its API representation.
func (b *Backend) ToResponse() BackendResponse {
	resp := BackendResponse{
		ID:                b.ID,
		BackendID:         b.BackendID,
		DisplayName:       b.DisplayName,
		Description:       b.Description,
		Environment:       b.Environment,
		EncryptionEnabled: b.EncryptionEnabled,
		VersioningEnabled: b.VersioningEnabled,
		VersionRetention:  b.VersionRetention,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
	if b.StorageProvider.Valid {
		resp.StorageProvider = b.StorageProvider.String
	}
	if b.MinTerraformVersion.Valid {
		resp.MinTerraformVersion = b.MinTerraformVersion.String
	}
	return resp
}
