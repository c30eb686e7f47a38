// retention.go implements the RetentionSweeper background job, which
// periodically trims each workspace's version history down to its backend's
// retention keep-count. The keep-count comes from the backend registration
// (version_retention), falling back to the service-wide default; backends that
// resolve to 0 keep everything and are skipped. The job is a no-op when
// retention.enabled is false, so it is always safe to start.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
)

// BackendLister enumerates registered backends. repositories.BackendRepository
// implements it.
type BackendLister interface {
	List(ctx context.Context) ([]*models.Backend, error)
}

// StateSweeper is the slice of the state manager the sweep needs: workspace
// discovery plus the cleanup call. An empty environment resolves through the
// backend registration, the same path API callers take.
type StateSweeper interface {
	ListWorkspaces(ctx context.Context, backendID, environment string) ([]string, error)
	CleanupVersions(ctx context.Context, backendID, workspace, environment string, keepCount int) (int, error)
}

// RetentionSweeper periodically deletes state versions beyond each backend's
// retention keep-count.
type RetentionSweeper struct {
	backends    BackendLister
	states      StateSweeper
	cfg         *config.RetentionConfig
	defaultKeep int
	interval    time.Duration
	logger      *slog.Logger
	stopChan    chan struct{}
}

// NewRetentionSweeper creates a new RetentionSweeper. defaultKeep applies to
// backends whose registration carries no retention setting.
func NewRetentionSweeper(backends BackendLister, states StateSweeper, cfg *config.RetentionConfig, defaultKeep int, logger *slog.Logger) *RetentionSweeper {
	minutes := cfg.IntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{
		backends:    backends,
		states:      states,
		cfg:         cfg,
		defaultKeep: defaultKeep,
		interval:    time.Duration(minutes) * time.Minute,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the background sweep loop. It runs one sweep immediately, then
// repeats on the configured interval. The loop exits when ctx is cancelled or
// Stop is called.
func (s *RetentionSweeper) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("retention sweeper disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started",
		"interval", s.interval, "default_keep", s.defaultKeep)

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			s.logger.Info("retention sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("retention sweeper context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *RetentionSweeper) Stop() {
	close(s.stopChan)
}

// sweep walks every registered backend once. Per-backend and per-workspace
// failures are logged and skipped so one broken target cannot stall the rest.
func (s *RetentionSweeper) sweep(ctx context.Context) {
	backends, err := s.backends.List(ctx)
	if err != nil {
		s.logger.Error("retention sweep could not list backends", "error", err)
		return
	}

	for _, backend := range backends {
		keep := backend.VersionRetention
		if keep <= 0 {
			keep = s.defaultKeep
		}
		if keep <= 0 {
			continue
		}
		s.sweepBackend(ctx, backend, keep)
	}
}

func (s *RetentionSweeper) sweepBackend(ctx context.Context, backend *models.Backend, keep int) {
	workspaces, err := s.states.ListWorkspaces(ctx, backend.BackendID, "")
	if err != nil {
		s.logger.Warn("retention sweep could not list workspaces",
			"backend_id", backend.BackendID, "error", err)
		return
	}

	removed := 0
	for _, workspace := range workspaces {
		n, err := s.states.CleanupVersions(ctx, backend.BackendID, workspace, "", keep)
		if err != nil {
			s.logger.Warn("retention sweep failed for workspace",
				"backend_id", backend.BackendID, "workspace", workspace, "error", err)
			continue
		}
		removed += n
	}
	if removed > 0 {
		s.logger.Info("retention sweep trimmed history",
			"backend_id", backend.BackendID, "keep", keep, "removed", removed)
	}
}
