package sweeper

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
)

func TestSweepTimesOutStuckProcessingBuild(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stuck := domain.Build{ID: "build-1", State: domain.StateProcessing, StartedAt: now.Add(-67 * time.Minute)}
	builds := &fakeBuildRepo{processing: []domain.Build{stuck}}
	canceler := &fakeCanceler{}
	reporter := &fakeReporter{}
	svc := newTestService(builds, canceler, reporter, now)

	outcomes := svc.Sweep(context.Background())

	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	if outcomes[0].BuildID != "build-1" {
		t.Fatalf("unexpected build %s", outcomes[0].BuildID)
	}
	if canceler.calls != 1 {
		t.Fatalf("expected one cancel, got %d", canceler.calls)
	}
	if builds.lastTransition.Target != domain.StateError {
		t.Fatalf("transition target %s, want error", builds.lastTransition.Target)
	}
	if builds.lastTransition.Error != "The build timed out" {
		t.Fatalf("unexpected timeout message %q", builds.lastTransition.Error)
	}
	if builds.lastTransition.CompletedAt == nil || !builds.lastTransition.CompletedAt.Equal(now) {
		t.Fatalf("completedAt %v, want sweep time", builds.lastTransition.CompletedAt)
	}
	if reporter.calls != 1 {
		t.Fatalf("expected one status report, got %d", reporter.calls)
	}
}

func TestSweepUsesCutoffsNotWallClockGuess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	builds := &fakeBuildRepo{}
	svc := newTestService(builds, &fakeCanceler{}, &fakeReporter{}, now)

	svc.Sweep(context.Background())

	wantProcessing := now.Add(-45 * time.Minute)
	if !builds.processingCutoff.Equal(wantProcessing) {
		t.Fatalf("processing cutoff %v, want %v", builds.processingCutoff, wantProcessing)
	}
	wantTasked := now.Add(-5 * time.Minute)
	if !builds.taskedCutoff.Equal(wantTasked) {
		t.Fatalf("tasked cutoff %v, want %v", builds.taskedCutoff, wantTasked)
	}
}

func TestSweepTimesOutStaleTaskedBuild(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := domain.Build{ID: "build-2", State: domain.StateTasked, UpdatedAt: now.Add(-10 * time.Minute)}
	builds := &fakeBuildRepo{tasked: []domain.Build{stale}}
	svc := newTestService(builds, &fakeCanceler{}, &fakeReporter{}, now)

	outcomes := svc.Sweep(context.Background())
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	if outcomes[0].State != domain.StateTasked {
		t.Fatalf("outcome state %s, want tasked", outcomes[0].State)
	}
}

func TestSweepCancelFailureDoesNotBlockTimeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stuck := domain.Build{ID: "build-1", State: domain.StateProcessing, StartedAt: now.Add(-2 * time.Hour)}
	builds := &fakeBuildRepo{processing: []domain.Build{stuck}}
	canceler := &fakeCanceler{err: errors.New("cancel list unavailable")}
	svc := newTestService(builds, canceler, &fakeReporter{}, now)

	outcomes := svc.Sweep(context.Background())
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	if outcomes[0].CancelErr == nil {
		t.Fatal("expected recorded cancel error")
	}
	if builds.transitionCalls != 1 {
		t.Fatalf("forced transition must still run, got %d", builds.transitionCalls)
	}
}

func TestSweepLostRaceAgainstLateCallback(t *testing.T) {
	// The worker reported in between the sweep's read and its transition;
	// the settled state stands and no report fires.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stuck := domain.Build{ID: "build-1", State: domain.StateProcessing, StartedAt: now.Add(-time.Hour)}
	builds := &fakeBuildRepo{processing: []domain.Build{stuck}, transitionErr: domain.ErrInvalidTransition}
	reporter := &fakeReporter{}
	svc := newTestService(builds, &fakeCanceler{}, reporter, now)

	outcomes := svc.Sweep(context.Background())
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	if reporter.calls != 0 {
		t.Fatalf("no report after lost race, got %d", reporter.calls)
	}
}

func newTestService(builds *fakeBuildRepo, canceler *fakeCanceler, reporter *fakeReporter, now time.Time) *Service {
	cfg := config.Config{
		ProcessingTimeout: 45 * time.Minute,
		TaskedTimeout:     5 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := New(builds, canceler, reporter, cfg, logger)
	svc.now = func() time.Time { return now }
	return svc
}

type fakeBuildRepo struct {
	processing       []domain.Build
	tasked           []domain.Build
	processingCutoff time.Time
	taskedCutoff     time.Time
	transitionCalls  int
	lastTransition   domain.BuildTransition
	transitionErr    error
}

func (f *fakeBuildRepo) CreateBuild(context.Context, *domain.Build) error { return nil }

func (f *fakeBuildRepo) GetBuildByID(context.Context, string) (*domain.Build, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeBuildRepo) FindPendingBuild(context.Context, string, string) (*domain.Build, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeBuildRepo) RefreshPendingBuild(context.Context, string, string, *string, string) (*domain.Build, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeBuildRepo) TransitionBuild(_ context.Context, buildID string, t domain.BuildTransition) (*domain.Build, bool, error) {
	if f.transitionErr != nil {
		return nil, false, f.transitionErr
	}
	f.transitionCalls++
	f.lastTransition = t
	return &domain.Build{ID: buildID, State: t.Target, Error: t.Error, CompletedAt: t.CompletedAt}, true, nil
}

func (f *fakeBuildRepo) ListBuildsBySite(context.Context, string, int) ([]domain.Build, error) {
	return nil, nil
}

func (f *fakeBuildRepo) ListBuildsInStateStartedBefore(_ context.Context, state domain.BuildState, before time.Time) ([]domain.Build, error) {
	if state == domain.StateProcessing {
		f.processingCutoff = before
		return f.processing, nil
	}
	return nil, nil
}

func (f *fakeBuildRepo) ListBuildsInStateUpdatedBefore(_ context.Context, state domain.BuildState, before time.Time) ([]domain.Build, error) {
	if state == domain.StateTasked {
		f.taskedCutoff = before
		return f.tasked, nil
	}
	return nil, nil
}

type fakeCanceler struct {
	calls int
	err   error
}

func (f *fakeCanceler) Cancel(context.Context, string) error {
	f.calls++
	return f.err
}

type fakeReporter struct {
	calls int
}

func (f *fakeReporter) ReportBuildStatus(context.Context, *domain.Build) error {
	f.calls++
	return nil
}
