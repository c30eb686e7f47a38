// Package statestore implements the object-store layout for Terraform state:
// one bucket per (environment, backend) holding, per workspace, a mutable
// "current" pointer object and an immutable version directory per write, plus
// a shared backups bucket:
//
//	{prefix}-{environment}-{backend_id}/          (lowercased)
//	    {workspace}/terraform.tfstate             current state
//	    {workspace}/versions/{version_id}/terraform.tfstate
//	    {workspace}/versions/{version_id}/metadata.json
//	{prefix}-backups/
//	    {backend_id}/{workspace}/{backup_id}/terraform.tfstate
//	    {backend_id}/{workspace}/{backup_id}/metadata.json
//
// Writes are ordered so a crash can never leave a current pointer without
// its backing version: the version blob is written first, its metadata
// second, and the current pointer last. Locking is not enforced at this
// layer; the service layer coordinates writers before calling in.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/tfstate-backend/tfstate-backend/internal/crypto"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
	"github.com/tfstate-backend/tfstate-backend/internal/storage"
)

// Store reads and writes workspace state through a bucket-scoped object
// store. A nil cipher stores state as plaintext; with a cipher configured,
// bodies are sealed at rest while checksums keep referring to the plaintext,
// so enabling encryption later leaves existing states readable.
type Store struct {
	objects      storage.ObjectStore
	bucketPrefix string
	cipher       *crypto.StateCipher
	minVersion   *version.Version
	logger       *slog.Logger
}

// Options carries the optional knobs for a Store. The zero value disables
// encryption and minimum-version enforcement and logs through slog.Default.
type Options struct {
	Cipher *crypto.StateCipher
	// MinTerraformVersion rejects writes produced by older Terraform
	// binaries. States reporting an unknown or unparseable version are
	// accepted.
	MinTerraformVersion *version.Version
	Logger              *slog.Logger
}

// New builds a Store over objects, deriving bucket names from bucketPrefix.
func New(objects storage.ObjectStore, bucketPrefix string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		objects:      objects,
		bucketPrefix: bucketPrefix,
		cipher:       opts.Cipher,
		minVersion:   opts.MinTerraformVersion,
		logger:       logger,
	}
}

// BucketName returns the bucket holding one backend's state in one
// environment. Bucket naming is lowercase across every provider we support,
// so the composed name is lowercased as a whole.
func (s *Store) BucketName(environment, backendID string) string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", s.bucketPrefix, environment, backendID))
}

// BackupBucketName returns the single shared bucket holding every backend's
// backups.
func (s *Store) BackupBucketName() string {
	return strings.ToLower(s.bucketPrefix + "-backups")
}

func stateKey(workspace string) string {
	return workspace + "/terraform.tfstate"
}

func versionsPrefix(workspace string) string {
	return workspace + "/versions/"
}

func versionKey(workspace, versionID string) string {
	return versionsPrefix(workspace) + versionID + "/terraform.tfstate"
}

func versionMetaKey(workspace, versionID string) string {
	return versionsPrefix(workspace) + versionID + "/metadata.json"
}

// versionRecord is the metadata.json document written next to each version
// blob. Checksum always refers to the plaintext body, even when the blob is
// sealed at rest.
type versionRecord struct {
	VersionID   string              `json:"version_id"`
	BackendID   string              `json:"backend_id"`
	Workspace   string              `json:"workspace"`
	Environment string              `json:"environment"`
	Size        int64               `json:"size"`
	Checksum    string              `json:"checksum"`
	Encrypted   bool                `json:"encrypted"`
	Metadata    *state.Metadata     `json:"metadata,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CreatedBy   string              `json:"created_by"`
	Operation   state.OperationType `json:"operation"`
}

// StoreRequest carries one state write.
type StoreRequest struct {
	BackendID   string
	Workspace   string
	Environment string
	Data        []byte
	CreatedBy   string
	// Operation defaults to WRITE. Restores and migrations record their own
	// operation type so version history shows how each revision was produced.
	Operation state.OperationType
}

// StoreResult reports a completed write.
type StoreResult struct {
	Info      *state.Info
	VersionID string
}

// EnsureBucket makes sure the bucket for (environment, backendID) exists,
// creating it with versioning where the provider supports it. It is
// idempotent and safe to call on every write.
func (s *Store) EnsureBucket(ctx context.Context, environment, backendID string) (string, error) {
	bucket := s.BucketName(environment, backendID)
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return "", err
	}
	return bucket, nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.objects.BucketExists(ctx, bucket)
	if err != nil {
		return &state.BackendError{Op: "bucket_exists", Err: err}
	}
	if exists {
		return nil
	}
	if err := s.objects.MakeBucket(ctx, bucket); err != nil {
		return &state.BackendError{Op: "make_bucket", Err: err}
	}
	s.logger.Info("created state bucket", "bucket", bucket)
	if v, ok := s.objects.(storage.BucketVersioner); ok {
		if err := v.EnableVersioning(ctx, bucket); err != nil {
			s.logger.Warn("could not enable bucket versioning", "bucket", bucket, "error", err)
		}
	}
	return nil
}

// StoreState validates data as a Terraform state file and persists it as a
// new immutable version plus the workspace's current state.
func (s *Store) StoreState(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	meta, err := state.ParseMetadata(req.Data)
	if err != nil {
		return nil, err
	}
	if err := s.checkTerraformVersion(meta.TerraformVersion); err != nil {
		return nil, err
	}

	op := req.Operation
	if op == "" {
		op = state.OperationWrite
	}

	bucket, err := s.EnsureBucket(ctx, req.Environment, req.BackendID)
	if err != nil {
		return nil, err
	}

	// Counted before the writes so a listing failure aborts cleanly instead
	// of stranding a half-written version.
	existing, err := s.countVersions(ctx, bucket, req.Workspace)
	if err != nil {
		return nil, &state.BackendError{Op: "count_versions", Err: err}
	}

	body := req.Data
	encrypted := false
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(req.Data)
		if err != nil {
			return nil, &state.BackendError{Op: "seal_state", Err: err}
		}
		body = sealed
		encrypted = true
	}

	now := time.Now().UTC()
	versionID := uuid.New().String()
	record := versionRecord{
		VersionID:   versionID,
		BackendID:   req.BackendID,
		Workspace:   req.Workspace,
		Environment: req.Environment,
		Size:        int64(len(req.Data)),
		Checksum:    state.Checksum(req.Data),
		Encrypted:   encrypted,
		Metadata:    meta,
		CreatedAt:   now,
		CreatedBy:   req.CreatedBy,
		Operation:   op,
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return nil, &state.BackendError{Op: "encode_version_metadata", Err: err}
	}

	if err := s.objects.Put(ctx, bucket, versionKey(req.Workspace, versionID), body); err != nil {
		return nil, &state.BackendError{Op: "store_version", Err: err}
	}
	if err := s.objects.Put(ctx, bucket, versionMetaKey(req.Workspace, versionID), recordJSON); err != nil {
		return nil, &state.BackendError{Op: "store_version_metadata", Err: err}
	}
	if err := s.objects.Put(ctx, bucket, stateKey(req.Workspace), body); err != nil {
		return nil, &state.BackendError{Op: "store_current", Err: err}
	}

	s.logger.Info("stored state",
		"backend_id", req.BackendID,
		"workspace", req.Workspace,
		"environment", req.Environment,
		"version_id", versionID,
		"size", record.Size,
		"serial", meta.Serial,
		"operation", string(op),
	)

	return &StoreResult{
		Info: &state.Info{
			BackendID:    req.BackendID,
			Workspace:    req.Workspace,
			Environment:  req.Environment,
			Status:       state.StatusActive,
			Size:         record.Size,
			Checksum:     record.Checksum,
			Encrypted:    encrypted,
			Metadata:     meta,
			CreatedAt:    now,
			UpdatedAt:    now,
			VersionCount: existing + 1,
		},
		VersionID: versionID,
	}, nil
}

func (s *Store) checkTerraformVersion(tfVersion string) error {
	if s.minVersion == nil || tfVersion == "" || tfVersion == "unknown" {
		return nil
	}
	v, err := version.NewVersion(tfVersion)
	if err != nil {
		return nil
	}
	if v.LessThan(s.minVersion) {
		return &state.ValidationError{
			Reason: fmt.Sprintf("terraform version %s is below the required minimum %s", tfVersion, s.minVersion),
		}
	}
	return nil
}

// countVersions counts distinct version directories under a workspace.
func (s *Store) countVersions(ctx context.Context, bucket, workspace string) (int, error) {
	keys, err := s.objects.List(ctx, bucket, versionsPrefix(workspace))
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotFound) {
			return 0, nil
		}
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, key := range keys {
		if id := versionIDFromKey(workspace, key); id != "" {
			seen[id] = struct{}{}
		}
	}
	return len(seen), nil
}

// versionIDFromKey extracts the version id segment from a key under the
// workspace's versions/ prefix, or "" for keys outside the expected layout.
func versionIDFromKey(workspace, key string) string {
	rest, ok := strings.CutPrefix(key, versionsPrefix(workspace))
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}

// RetrieveState returns the plaintext state body and its descriptor. An
// empty versionID addresses the current state; otherwise the named immutable
// version is read and verified against the checksum recorded when it was
// written.
func (s *Store) RetrieveState(ctx context.Context, backendID, workspace, environment, versionID string) ([]byte, *state.Info, error) {
	bucket := s.BucketName(environment, backendID)
	if versionID != "" {
		return s.retrieveVersion(ctx, bucket, backendID, workspace, environment, versionID)
	}

	raw, err := s.objects.Get(ctx, bucket, stateKey(workspace))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
			return nil, nil, &state.StateNotFoundError{BackendID: backendID, Workspace: workspace}
		}
		return nil, nil, &state.BackendError{Op: "retrieve_state", Err: err}
	}

	plain, encrypted, err := s.openBody(raw)
	if err != nil {
		return nil, nil, err
	}
	meta, err := state.ParseMetadata(plain)
	if err != nil {
		return nil, nil, err
	}

	info := &state.Info{
		BackendID:   backendID,
		Workspace:   workspace,
		Environment: environment,
		Status:      state.StatusActive,
		Size:        int64(len(plain)),
		Checksum:    state.Checksum(plain),
		Encrypted:   encrypted,
		Metadata:    meta,
	}
	return plain, info, nil
}

func (s *Store) retrieveVersion(ctx context.Context, bucket, backendID, workspace, environment, versionID string) ([]byte, *state.Info, error) {
	raw, err := s.objects.Get(ctx, bucket, versionKey(workspace, versionID))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
			return nil, nil, &state.VersionNotFoundError{BackendID: backendID, Workspace: workspace, VersionID: versionID}
		}
		return nil, nil, &state.BackendError{Op: "retrieve_version", Err: err}
	}

	plain, encrypted, err := s.openBody(raw)
	if err != nil {
		return nil, nil, err
	}
	computed := state.Checksum(plain)

	record, err := s.loadVersionRecord(ctx, bucket, workspace, versionID)
	if err != nil {
		return nil, nil, err
	}

	info := &state.Info{
		BackendID:   backendID,
		Workspace:   workspace,
		Environment: environment,
		Status:      state.StatusActive,
		Size:        int64(len(plain)),
		Checksum:    computed,
		Encrypted:   encrypted,
	}
	if record != nil {
		if record.Checksum != "" && record.Checksum != computed {
			return nil, nil, &state.StateCorruptedError{
				BackendID: backendID,
				Workspace: workspace,
				VersionID: versionID,
				Expected:  record.Checksum,
				Actual:    computed,
			}
		}
		info.Metadata = record.Metadata
		info.CreatedAt = record.CreatedAt
		info.UpdatedAt = record.CreatedAt
		return plain, info, nil
	}

	meta, err := state.ParseMetadata(plain)
	if err != nil {
		return nil, nil, err
	}
	info.Metadata = meta
	return plain, info, nil
}

// loadVersionRecord reads a version's metadata.json. A missing or unreadable
// record returns (nil, nil): retrieval then trusts the checksum computed
// from the body itself rather than failing the read.
func (s *Store) loadVersionRecord(ctx context.Context, bucket, workspace, versionID string) (*versionRecord, error) {
	raw, err := s.objects.Get(ctx, bucket, versionMetaKey(workspace, versionID))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, &state.BackendError{Op: "retrieve_version_metadata", Err: err}
	}
	var record versionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		s.logger.Warn("unreadable version metadata, trusting body checksum",
			"workspace", workspace, "version_id", versionID, "error", err)
		return nil, nil
	}
	return &record, nil
}

// openBody unwraps an at-rest body: sealed bodies are decrypted, plaintext
// passes through. The bool reports whether the body was sealed.
func (s *Store) openBody(raw []byte) ([]byte, bool, error) {
	if !crypto.IsSealed(raw) {
		return raw, false, nil
	}
	if s.cipher == nil {
		return nil, false, &state.BackendError{
			Op:  "open_state",
			Err: errors.New("state is encrypted but no encryption key is configured"),
		}
	}
	plain, err := s.cipher.Open(raw)
	if err != nil {
		return nil, false, &state.BackendError{Op: "open_state", Err: err}
	}
	return plain, true, nil
}

// GetStateInfo returns the current state's descriptor enriched with version
// history counts and timestamps. Info is a read-mostly endpoint, so the
// extra version enumeration happens here rather than on every retrieval.
func (s *Store) GetStateInfo(ctx context.Context, backendID, workspace, environment string) (*state.Info, error) {
	_, info, err := s.RetrieveState(ctx, backendID, workspace, environment, "")
	if err != nil {
		return nil, err
	}
	versions, skipped, err := s.ListVersions(ctx, backendID, workspace, environment, 0)
	if err != nil {
		return nil, err
	}
	info.VersionCount = len(versions) + len(skipped)
	if len(versions) > 0 {
		info.CreatedAt = versions[0].CreatedAt
		info.UpdatedAt = versions[len(versions)-1].CreatedAt
	}
	return info, nil
}

// VersionSkip names a version directory excluded from an enumeration and
// why, so callers surface partial results instead of silently shrinking
// history.
type VersionSkip struct {
	VersionID string `json:"version_id"`
	Reason    string `json:"reason"`
}

// ListVersions enumerates a workspace's version history ordered oldest
// first, numbering the returned versions 1..N. A limit > 0 caps the result.
// Versions whose metadata is missing or unreadable are reported in the skip
// list rather than failing the whole enumeration.
func (s *Store) ListVersions(ctx context.Context, backendID, workspace, environment string, limit int) ([]state.Version, []VersionSkip, error) {
	bucket := s.BucketName(environment, backendID)
	keys, err := s.objects.List(ctx, bucket, versionsPrefix(workspace))
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotFound) {
			return nil, nil, nil
		}
		return nil, nil, &state.BackendError{Op: "list_versions", Err: err}
	}

	ids := make([]string, 0, len(keys))
	seen := make(map[string]struct{})
	for _, key := range keys {
		id := versionIDFromKey(workspace, key)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	versions := make([]state.Version, 0, len(ids))
	var skipped []VersionSkip
	for _, id := range ids {
		raw, err := s.objects.Get(ctx, bucket, versionMetaKey(workspace, id))
		if err != nil {
			reason := "metadata unreadable: " + err.Error()
			if errors.Is(err, storage.ErrObjectNotFound) {
				reason = "metadata object missing"
			}
			skipped = append(skipped, VersionSkip{VersionID: id, Reason: reason})
			continue
		}
		var record versionRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			skipped = append(skipped, VersionSkip{VersionID: id, Reason: "metadata is not valid JSON: " + err.Error()})
			continue
		}
		versions = append(versions, state.Version{
			VersionID:     id,
			Size:          record.Size,
			Checksum:      record.Checksum,
			Metadata:      record.Metadata,
			CreatedAt:     record.CreatedAt,
			CreatedBy:     record.CreatedBy,
			OperationType: record.Operation,
		})
	}

	sort.Slice(versions, func(i, j int) bool {
		if versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].VersionID < versions[j].VersionID
		}
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	for i := range versions {
		versions[i].VersionNumber = i + 1
	}

	if len(skipped) > 0 {
		s.logger.Warn("version enumeration skipped entries",
			"backend_id", backendID, "workspace", workspace, "skipped", len(skipped))
	}
	return versions, skipped, nil
}
