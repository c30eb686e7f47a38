// names.go validates backend, environment, and workspace identifiers before
// they are used to derive bucket names and object keys.
package validation

import (
	"fmt"
	"regexp"
)

// Backend IDs and environments become bucket name segments, so they follow
// the strictest provider's rules (S3): lowercase alphanumeric labels with
// interior hyphens. Workspaces only ever appear inside object keys and may
// additionally contain uppercase letters and underscores, matching what the
// terraform CLI accepts for workspace names.
var (
	bucketLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	workspacePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MaxBackendIDLength bounds backend IDs so the derived bucket name
// {prefix}-{environment}-{backend_id} stays within S3's 63-character limit
// for typical prefixes.
const MaxBackendIDLength = 40

// MaxWorkspaceLength bounds workspace names used in object keys.
const MaxWorkspaceLength = 90

// ValidateBackendID validates a backend identifier
func ValidateBackendID(id string) error {
	if id == "" {
		return fmt.Errorf("backend id cannot be empty")
	}
	if len(id) > MaxBackendIDLength {
		return fmt.Errorf("backend id too long: %d characters (max %d)", len(id), MaxBackendIDLength)
	}
	if !bucketLabelPattern.MatchString(id) {
		return fmt.Errorf("invalid backend id %q: must be lowercase alphanumeric with interior hyphens", id)
	}
	return nil
}

// ValidateEnvironment validates an environment name (dev, staging, prod, ...)
func ValidateEnvironment(env string) error {
	if env == "" {
		return fmt.Errorf("environment cannot be empty")
	}
	if len(env) > 16 {
		return fmt.Errorf("environment too long: %d characters (max 16)", len(env))
	}
	if !bucketLabelPattern.MatchString(env) {
		return fmt.Errorf("invalid environment %q: must be lowercase alphanumeric with interior hyphens", env)
	}
	return nil
}

// ValidateWorkspace validates a terraform workspace name
func ValidateWorkspace(name string) error {
	if name == "" {
		return fmt.Errorf("workspace cannot be empty")
	}
	if len(name) > MaxWorkspaceLength {
		return fmt.Errorf("workspace too long: %d characters (max %d)", len(name), MaxWorkspaceLength)
	}
	if !workspacePattern.MatchString(name) {
		return fmt.Errorf("invalid workspace %q: only letters, digits, hyphens, and underscores are allowed", name)
	}
	return nil
}
