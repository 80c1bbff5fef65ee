package sweeper

import (
	"context"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
)

const timeoutMessage = "The build timed out"

var timeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pages",
	Subsystem: "sweeper",
	Name:      "timeouts_total",
	Help:      "Count of builds force-failed by the timeout supervisor",
}, []string{"state"})

// Canceler asks the worker to stop a build's task, best-effort.
type Canceler interface {
	Cancel(ctx context.Context, buildID string) error
}

// StatusReporter posts commit statuses, best-effort.
type StatusReporter interface {
	ReportBuildStatus(ctx context.Context, build *domain.Build) error
}

// Outcome is the settled result for one timed-out build. CancelErr records
// an advisory cancellation failure; the forced error transition stands
// regardless.
type Outcome struct {
	BuildID   string
	State     domain.BuildState
	CancelErr error
}

// Service force-fails builds the worker never reported back on. A worker
// that dies silently must not leave a build stuck forever; the authoritative
// state lives in the build row, not the worker.
type Service struct {
	builds   repository.BuildRepository
	canceler Canceler
	reporter StatusReporter
	logger   *slog.Logger

	processingTimeout time.Duration
	taskedTimeout     time.Duration

	now func() time.Time
}

// New constructs the supervisor.
func New(builds repository.BuildRepository, canceler Canceler, reporter StatusReporter, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{
		builds:            builds,
		canceler:          canceler,
		reporter:          reporter,
		logger:            logger.With("component", "sweeper"),
		processingTimeout: cfg.ProcessingTimeout,
		taskedTimeout:     cfg.TaskedTimeout,
		now:               time.Now,
	}
}

// Sweep selects stuck builds and forces each to error. Cancellation and
// reporting failures are recorded per build and never abort the sweep.
func (s *Service) Sweep(ctx context.Context) []Outcome {
	now := s.now().UTC()

	var stuck []domain.Build
	processing, err := s.builds.ListBuildsInStateStartedBefore(ctx, domain.StateProcessing, now.Add(-s.processingTimeout))
	if err != nil {
		s.logger.Error("failed to list stuck processing builds", "error", err)
	} else {
		stuck = append(stuck, processing...)
	}
	// Subordinate tasks are expected to be quick; tasked builds go stale on
	// a much shorter leash, keyed on last update rather than start.
	tasked, err := s.builds.ListBuildsInStateUpdatedBefore(ctx, domain.StateTasked, now.Add(-s.taskedTimeout))
	if err != nil {
		s.logger.Error("failed to list stuck tasked builds", "error", err)
	} else {
		stuck = append(stuck, tasked...)
	}

	outcomes := make([]Outcome, 0, len(stuck))
	for i := range stuck {
		outcomes = append(outcomes, s.timeOut(ctx, &stuck[i], now))
	}
	if len(outcomes) > 0 {
		s.logger.Info("timeout sweep complete", "timed_out", len(outcomes))
	}
	return outcomes
}

func (s *Service) timeOut(ctx context.Context, build *domain.Build, now time.Time) Outcome {
	outcome := Outcome{BuildID: build.ID, State: build.State}

	if err := s.canceler.Cancel(ctx, build.ID); err != nil {
		outcome.CancelErr = err
		s.logger.Warn("worker task cancellation failed", "build_id", build.ID, "error", err)
	}

	updated, applied, err := s.builds.TransitionBuild(ctx, build.ID, domain.BuildTransition{
		Target:      domain.StateError,
		Error:       timeoutMessage,
		CompletedAt: &now,
	})
	if err != nil {
		// Lost the race against a late callback; the build settled without us.
		s.logger.Warn("timeout transition rejected", "build_id", build.ID, "error", err)
		return outcome
	}
	if !applied {
		return outcome
	}
	timeoutsTotal.WithLabelValues(string(outcome.State)).Inc()
	s.logger.Info("build timed out", "build_id", build.ID, "prior_state", string(outcome.State))

	if err := s.reporter.ReportBuildStatus(ctx, updated); err != nil {
		s.logger.Warn("commit status report failed", "build_id", build.ID, "error", err)
	}
	return outcome
}
