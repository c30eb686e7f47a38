// maintenance.go carries the destructive sweeps: whole-workspace deletion,
// retention cleanup of old versions, and workspace discovery. Sweeps are
// best-effort per object; individual failures are collected and returned
// together so one stubborn object cannot strand the rest of the sweep.

package statestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/tfstate-backend/tfstate-backend/internal/state"
	"github.com/tfstate-backend/tfstate-backend/internal/storage"
)

// DeleteState removes the workspace's current state and every version under
// it, returning how many objects were deleted. Backups are kept: they live
// in a separate bucket precisely so a workspace delete cannot take the
// recovery copies with it.
func (s *Store) DeleteState(ctx context.Context, backendID, workspace, environment string) (int, error) {
	bucket := s.BucketName(environment, backendID)
	keys, err := s.objects.List(ctx, bucket, workspace+"/")
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotFound) {
			return 0, &state.StateNotFoundError{BackendID: backendID, Workspace: workspace}
		}
		return 0, &state.BackendError{Op: "delete_state", Err: err}
	}
	if len(keys) == 0 {
		return 0, &state.StateNotFoundError{BackendID: backendID, Workspace: workspace}
	}

	deleted := 0
	var errs *multierror.Error
	for _, key := range keys {
		if err := s.objects.Delete(ctx, bucket, key); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		deleted++
	}
	if err := errs.ErrorOrNil(); err != nil {
		return deleted, &state.BackendError{Op: "delete_state", Err: err}
	}

	s.logger.Info("deleted workspace state",
		"backend_id", backendID,
		"workspace", workspace,
		"environment", environment,
		"objects", deleted,
	)
	return deleted, nil
}

// CleanupOldVersions trims the workspace's history down to its newest
// keepCount versions and reports how many were removed. keepCount 0 clears
// the whole history; the current state object is never touched. For each
// doomed version the metadata object goes first so a partial failure never
// leaves a listed version without its blob.
func (s *Store) CleanupOldVersions(ctx context.Context, backendID, workspace, environment string, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, &state.ValidationError{Reason: "keep_count must be zero or positive"}
	}

	versions, skipped, err := s.ListVersions(ctx, backendID, workspace, environment, 0)
	if err != nil {
		return 0, err
	}
	for _, skip := range skipped {
		s.logger.Warn("cleanup leaving unreadable version in place",
			"backend_id", backendID,
			"workspace", workspace,
			"version_id", skip.VersionID,
			"reason", skip.Reason,
		)
	}
	if len(versions) <= keepCount {
		return 0, nil
	}

	bucket := s.BucketName(environment, backendID)
	doomed := versions[:len(versions)-keepCount]
	deleted := 0
	var errs *multierror.Error
	for _, v := range doomed {
		if err := s.objects.Delete(ctx, bucket, versionMetaKey(workspace, v.VersionID)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("delete metadata for version %s: %w", v.VersionID, err))
			continue
		}
		deleted++
		if err := s.objects.Delete(ctx, bucket, versionKey(workspace, v.VersionID)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("delete blob for version %s: %w", v.VersionID, err))
		}
	}
	if deleted > 0 {
		s.logger.Info("cleaned up old state versions",
			"backend_id", backendID,
			"workspace", workspace,
			"environment", environment,
			"deleted", deleted,
			"kept", keepCount,
		)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return deleted, &state.BackendError{Op: "cleanup_versions", Err: err}
	}
	return deleted, nil
}

// ListWorkspaces returns the workspaces that currently hold state in the
// given backend and environment, sorted by name. A workspace counts only
// while its current pointer object exists; leftover version directories from
// a partially deleted workspace do not resurrect it.
func (s *Store) ListWorkspaces(ctx context.Context, backendID, environment string) ([]string, error) {
	bucket := s.BucketName(environment, backendID)
	keys, err := s.objects.List(ctx, bucket, "")
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotFound) {
			return nil, nil
		}
		return nil, &state.BackendError{Op: "list_workspaces", Err: err}
	}

	var names []string
	for _, key := range keys {
		ws, ok := strings.CutSuffix(key, "/terraform.tfstate")
		if !ok || strings.Contains(ws, "/") {
			continue
		}
		names = append(names, ws)
	}
	sort.Strings(names)
	return names, nil
}
