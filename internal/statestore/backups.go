// backups.go implements the backup side channel: point-in-time copies of a
// workspace's current state kept in a bucket of their own, so retention
// cleanup and workspace deletion can never touch them.

package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tfstate-backend/tfstate-backend/internal/state"
	"github.com/tfstate-backend/tfstate-backend/internal/storage"
)

// backupRecord is the metadata.json document stored next to each backup
// blob.
type backupRecord struct {
	BackupID    string           `json:"backup_id"`
	BackendID   string           `json:"backend_id"`
	Workspace   string           `json:"workspace"`
	Environment string           `json:"environment"`
	BackupType  state.BackupType `json:"backup_type"`
	Size        int64            `json:"size"`
	Checksum    string           `json:"checksum"`
	Encrypted   bool             `json:"encrypted"`
	Metadata    *state.Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CreatedBy   string           `json:"created_by"`
}

func backupPrefix(backendID, workspace string) string {
	return backendID + "/" + workspace + "/"
}

func backupKey(backendID, workspace, backupID string) string {
	return backupPrefix(backendID, workspace) + backupID + "/terraform.tfstate"
}

func backupMetaKey(backendID, workspace, backupID string) string {
	return backupPrefix(backendID, workspace) + backupID + "/metadata.json"
}

// CreateBackup copies the workspace's current state into the backups bucket
// under a fresh backup id. The source workspace is read, never modified.
func (s *Store) CreateBackup(ctx context.Context, backendID, workspace, environment string, backupType state.BackupType, createdBy string) (*state.BackupInfo, error) {
	plain, info, err := s.RetrieveState(ctx, backendID, workspace, environment, "")
	if err != nil {
		return nil, err
	}

	if backupType == "" {
		backupType = state.BackupManual
	}

	bucket := s.BackupBucketName()
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}

	body := plain
	encrypted := false
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(plain)
		if err != nil {
			return nil, &state.BackendError{Op: "seal_backup", Err: err}
		}
		body = sealed
		encrypted = true
	}

	now := time.Now().UTC()
	backupID := uuid.New().String()
	record := backupRecord{
		BackupID:    backupID,
		BackendID:   backendID,
		Workspace:   workspace,
		Environment: environment,
		BackupType:  backupType,
		Size:        info.Size,
		Checksum:    info.Checksum,
		Encrypted:   encrypted,
		Metadata:    info.Metadata,
		CreatedAt:   now,
		CreatedBy:   createdBy,
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return nil, &state.BackendError{Op: "encode_backup_metadata", Err: err}
	}

	// Blob before metadata: a listed backup always has its body.
	if err := s.objects.Put(ctx, bucket, backupKey(backendID, workspace, backupID), body); err != nil {
		return nil, &state.BackendError{Op: "store_backup", Err: err}
	}
	if err := s.objects.Put(ctx, bucket, backupMetaKey(backendID, workspace, backupID), recordJSON); err != nil {
		return nil, &state.BackendError{Op: "store_backup_metadata", Err: err}
	}

	s.logger.Info("created state backup",
		"backend_id", backendID,
		"workspace", workspace,
		"environment", environment,
		"backup_id", backupID,
		"backup_type", string(backupType),
	)

	return &state.BackupInfo{
		BackupID:    backupID,
		BackendID:   backendID,
		Workspace:   workspace,
		BackupType:  backupType,
		Environment: environment,
		Size:        info.Size,
		Checksum:    info.Checksum,
		Metadata:    info.Metadata,
		CreatedAt:   now,
		CreatedBy:   createdBy,
	}, nil
}

// ListBackups enumerates a workspace's backups ordered oldest first. Backups
// with missing or unreadable metadata are logged and skipped.
func (s *Store) ListBackups(ctx context.Context, backendID, workspace string) ([]state.BackupInfo, error) {
	bucket := s.BackupBucketName()
	keys, err := s.objects.List(ctx, bucket, backupPrefix(backendID, workspace))
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotFound) {
			return nil, nil
		}
		return nil, &state.BackendError{Op: "list_backups", Err: err}
	}

	seen := make(map[string]struct{})
	var backups []state.BackupInfo
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, backupPrefix(backendID, workspace))
		if !ok {
			continue
		}
		id, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		raw, err := s.objects.Get(ctx, bucket, backupMetaKey(backendID, workspace, id))
		if err != nil {
			s.logger.Warn("backup listing skipping entry",
				"backend_id", backendID, "workspace", workspace, "backup_id", id, "error", err)
			continue
		}
		var record backupRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			s.logger.Warn("backup listing skipping unreadable metadata",
				"backend_id", backendID, "workspace", workspace, "backup_id", id, "error", err)
			continue
		}
		backups = append(backups, state.BackupInfo{
			BackupID:    id,
			BackendID:   backendID,
			Workspace:   workspace,
			BackupType:  record.BackupType,
			Environment: record.Environment,
			Size:        record.Size,
			Checksum:    record.Checksum,
			Metadata:    record.Metadata,
			CreatedAt:   record.CreatedAt,
			CreatedBy:   record.CreatedBy,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].BackupID < backups[j].BackupID
		}
		return backups[i].CreatedAt.Before(backups[j].CreatedAt)
	})
	return backups, nil
}

// RetrieveBackup returns a backup's plaintext body and descriptor, verifying
// the body against the checksum recorded at backup time when that record is
// still readable.
func (s *Store) RetrieveBackup(ctx context.Context, backendID, workspace, backupID string) ([]byte, *state.BackupInfo, error) {
	bucket := s.BackupBucketName()
	raw, err := s.objects.Get(ctx, bucket, backupKey(backendID, workspace, backupID))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
			return nil, nil, &state.BackupNotFoundError{BackendID: backendID, Workspace: workspace, BackupID: backupID}
		}
		return nil, nil, &state.BackendError{Op: "retrieve_backup", Err: err}
	}

	plain, _, err := s.openBody(raw)
	if err != nil {
		return nil, nil, err
	}
	computed := state.Checksum(plain)

	info := &state.BackupInfo{
		BackupID:  backupID,
		BackendID: backendID,
		Workspace: workspace,
		Size:      int64(len(plain)),
		Checksum:  computed,
	}

	metaRaw, err := s.objects.Get(ctx, bucket, backupMetaKey(backendID, workspace, backupID))
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		// no recorded checksum to verify against
	case err != nil:
		return nil, nil, &state.BackendError{Op: "retrieve_backup_metadata", Err: err}
	default:
		var record backupRecord
		if jerr := json.Unmarshal(metaRaw, &record); jerr != nil {
			s.logger.Warn("unreadable backup metadata, trusting body checksum",
				"backend_id", backendID, "workspace", workspace, "backup_id", backupID, "error", jerr)
			break
		}
		if record.Checksum != "" && record.Checksum != computed {
			return nil, nil, &state.StateCorruptedError{
				BackendID: backendID,
				Workspace: workspace,
				VersionID: backupID,
				Expected:  record.Checksum,
				Actual:    computed,
			}
		}
		info.BackupType = record.BackupType
		info.Environment = record.Environment
		info.Metadata = record.Metadata
		info.CreatedAt = record.CreatedAt
		info.CreatedBy = record.CreatedBy
	}
	return plain, info, nil
}
