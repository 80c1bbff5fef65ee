package builds

import (
	"context"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
)

// Dispatcher hands a committed build to the queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, build *domain.Build) error
}

// StatusReporter posts commit statuses, best-effort.
type StatusReporter interface {
	ReportBuildStatus(ctx context.Context, build *domain.Build) error
}

// Service serves the build read API and explicit restarts. A failed build is
// never retried automatically; each restart is a fresh audit-trail entry.
type Service struct {
	builds     repository.BuildRepository
	dispatcher Dispatcher
	reporter   StatusReporter
	logger     *slog.Logger
}

// New constructs the service.
func New(builds repository.BuildRepository, dispatcher Dispatcher, reporter StatusReporter, logger *slog.Logger) Service {
	return Service{builds: builds, dispatcher: dispatcher, reporter: reporter, logger: logger}
}

// Get returns one build.
func (s Service) Get(ctx context.Context, buildID string) (*domain.Build, error) {
	return s.builds.GetBuildByID(ctx, buildID)
}

// ListBySite returns recent builds for a site.
func (s Service) ListBySite(ctx context.Context, siteID string, limit int) ([]domain.Build, error) {
	return s.builds.ListBuildsBySite(ctx, siteID, limit)
}

// Restart clones a prior build into a fresh created build with its own
// token, then dispatches it.
func (s Service) Restart(ctx context.Context, buildID string, userID *string, username string) (*domain.Build, error) {
	prior, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	build := &domain.Build{
		ID:                 uuid.NewString(),
		SiteID:             prior.SiteID,
		UserID:             userID,
		Username:           username,
		Branch:             prior.Branch,
		RequestedCommitSha: prior.RequestedCommitSha,
		State:              domain.StateCreated,
		Token:              uuid.NewString(),
		SourceOwner:        prior.SourceOwner,
		SourceRepo:         prior.SourceRepo,
		StartedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.builds.CreateBuild(ctx, build); err != nil {
		return nil, err
	}
	s.logger.Info("build restarted", "build_id", build.ID, "restarted_from", prior.ID, "branch", build.Branch)

	if err := s.dispatcher.Dispatch(ctx, build); err != nil {
		s.logger.Error("build dispatch failed", "build_id", build.ID, "error", err)
		if refreshed, gerr := s.builds.GetBuildByID(ctx, build.ID); gerr == nil {
			build = refreshed
		}
	}
	if err := s.reporter.ReportBuildStatus(ctx, build); err != nil {
		s.logger.Warn("commit status report failed", "build_id", build.ID, "error", err)
	}
	return build, nil
}
