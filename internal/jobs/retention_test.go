package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func retentionLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLister struct {
	backends []*models.Backend
	err      error
}

func (l *fakeLister) List(ctx context.Context) ([]*models.Backend, error) {
	return l.backends, l.err
}

type cleanupCall struct {
	backendID string
	workspace string
	keepCount int
}

// fakeSweepTarget records cleanup calls and serves canned workspace listings.
type fakeSweepTarget struct {
	mu         sync.Mutex
	workspaces map[string][]string
	listErr    error
	cleanErr   map[string]error
	calls      []cleanupCall
}

func newFakeSweepTarget() *fakeSweepTarget {
	return &fakeSweepTarget{
		workspaces: make(map[string][]string),
		cleanErr:   make(map[string]error),
	}
}

func (f *fakeSweepTarget) ListWorkspaces(ctx context.Context, backendID, environment string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.workspaces[backendID], nil
}

func (f *fakeSweepTarget) CleanupVersions(ctx context.Context, backendID, workspace, environment string, keepCount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.cleanErr[backendID+"/"+workspace]; ok {
		return 0, err
	}
	f.calls = append(f.calls, cleanupCall{backendID, workspace, keepCount})
	return 2, nil
}

func (f *fakeSweepTarget) recorded() []cleanupCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cleanupCall(nil), f.calls...)
}

func newSweeper(lister *fakeLister, target *fakeSweepTarget, cfg *config.RetentionConfig, defaultKeep int) *RetentionSweeper {
	return NewRetentionSweeper(lister, target, cfg, defaultKeep, retentionLogger())
}

// ---------------------------------------------------------------------------
// sweep
// ---------------------------------------------------------------------------

func TestSweep_UsesBackendRetention(t *testing.T) {
	lister := &fakeLister{backends: []*models.Backend{
		{BackendID: "payments", VersionRetention: 5},
	}}
	target := newFakeSweepTarget()
	target.workspaces["payments"] = []string{"networking", "dns"}

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: true}, 0)
	s.sweep(context.Background())

	calls := target.recorded()
	if len(calls) != 2 {
		t.Fatalf("cleanup calls = %d, want one per workspace", len(calls))
	}
	for _, call := range calls {
		if call.backendID != "payments" || call.keepCount != 5 {
			t.Errorf("call = %+v, want payments with keep 5", call)
		}
	}
}

func TestSweep_DefaultKeepApplies(t *testing.T) {
	lister := &fakeLister{backends: []*models.Backend{
		{BackendID: "payments", VersionRetention: 0},
	}}
	target := newFakeSweepTarget()
	target.workspaces["payments"] = []string{"networking"}

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: true}, 10)
	s.sweep(context.Background())

	calls := target.recorded()
	if len(calls) != 1 || calls[0].keepCount != 10 {
		t.Fatalf("calls = %+v, want one call with the default keep", calls)
	}
}

func TestSweep_SkipsKeepEverythingBackends(t *testing.T) {
	lister := &fakeLister{backends: []*models.Backend{
		{BackendID: "payments", VersionRetention: 0},
		{BackendID: "billing", VersionRetention: 3},
	}}
	target := newFakeSweepTarget()
	target.workspaces["payments"] = []string{"networking"}
	target.workspaces["billing"] = []string{"core"}

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: true}, 0)
	s.sweep(context.Background())

	calls := target.recorded()
	if len(calls) != 1 || calls[0].backendID != "billing" {
		t.Fatalf("calls = %+v, want only the backend with retention set", calls)
	}
}

func TestSweep_ContinuesPastWorkspaceFailures(t *testing.T) {
	lister := &fakeLister{backends: []*models.Backend{
		{BackendID: "payments", VersionRetention: 5},
	}}
	target := newFakeSweepTarget()
	target.workspaces["payments"] = []string{"broken", "networking"}
	target.cleanErr["payments/broken"] = errors.New("object store unavailable")

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: true}, 0)
	s.sweep(context.Background())

	calls := target.recorded()
	if len(calls) != 1 || calls[0].workspace != "networking" {
		t.Fatalf("calls = %+v, want the healthy workspace swept", calls)
	}
}

func TestSweep_ListBackendsFailure(t *testing.T) {
	lister := &fakeLister{err: errors.New("database down")}
	target := newFakeSweepTarget()

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: true}, 5)
	s.sweep(context.Background())

	if calls := target.recorded(); len(calls) != 0 {
		t.Fatalf("calls = %+v, want none after a listing failure", calls)
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestStart_DisabledReturnsImmediately(t *testing.T) {
	lister := &fakeLister{backends: []*models.Backend{
		{BackendID: "payments", VersionRetention: 5},
	}}
	target := newFakeSweepTarget()
	target.workspaces["payments"] = []string{"networking"}

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: false}, 0)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return for a disabled sweeper")
	}
	if calls := target.recorded(); len(calls) != 0 {
		t.Errorf("calls = %+v, want none when disabled", calls)
	}
}

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	lister := &fakeLister{backends: []*models.Backend{
		{BackendID: "payments", VersionRetention: 5},
	}}
	target := newFakeSweepTarget()
	target.workspaces["payments"] = []string{"networking"}

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: true, IntervalMinutes: 60}, 0)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	// The first sweep happens before the first tick.
	deadline := time.Now().Add(2 * time.Second)
	for len(target.recorded()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no sweep ran after Start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestStart_ContextCancellation(t *testing.T) {
	lister := &fakeLister{}
	target := newFakeSweepTarget()

	s := newSweeper(lister, target, &config.RetentionConfig{Enabled: true, IntervalMinutes: 60}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
