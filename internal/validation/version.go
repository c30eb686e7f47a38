// version.go provides terraform version validation and the minimum-version
// check applied before a state write is accepted.
package validation

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// ValidateTerraformVersion validates that a version string parses as a
// terraform release version
func ValidateTerraformVersion(versionStr string) error {
	_, err := version.NewVersion(versionStr)
	if err != nil {
		return fmt.Errorf("invalid terraform version: %w", err)
	}
	return nil
}

// CompareVersions compares two version strings
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1Str, v2Str string) (int, error) {
	v1, err := version.NewVersion(v1Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v1: %w", err)
	}

	v2, err := version.NewVersion(v2Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v2: %w", err)
	}

	return v1.Compare(v2), nil
}

// MeetsMinimum reports whether an actual version satisfies a minimum
// requirement. An empty minimum accepts everything; an empty actual version
// is accepted too, because old terraform releases wrote state files without
// a terraform_version field.
func MeetsMinimum(actual, minimum string) (bool, error) {
	if minimum == "" || actual == "" {
		return true, nil
	}

	required, err := version.NewVersion(minimum)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}

	have, err := version.NewVersion(actual)
	if err != nil {
		return false, fmt.Errorf("invalid terraform version %q: %w", actual, err)
	}

	return have.GreaterThanOrEqual(required), nil
}
