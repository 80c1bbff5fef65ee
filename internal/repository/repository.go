package repository

import (
	"context"
	"time"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
)

// SiteRepository resolves sites and their owning organizations.
type SiteRepository interface {
	GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error)
	// FindSiteByRepo resolves the (owner, repository) pair case-insensitively.
	FindSiteByRepo(ctx context.Context, owner, repository string) (*domain.Site, error)
	GetOrganizationByID(ctx context.Context, orgID string) (*domain.Organization, error)
	// TouchSitePublishedAt advances the site's publishedAt timestamp.
	TouchSitePublishedAt(ctx context.Context, siteID string, at time.Time) error
}

// UserRepository resolves platform members and site associations.
type UserRepository interface {
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	// FindUserByUsername matches case-insensitively.
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	// ListSiteUsersSignedInSince returns the site's associated users whose
	// last sign-in is at or after the cutoff, most recent first.
	ListSiteUsersSignedInSince(ctx context.Context, siteID string, since time.Time) ([]domain.User, error)
}

// BuildRepository stores the build audit trail. State changes go through
// TransitionBuild's guarded update only.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	// FindPendingBuild returns the newest build for (site, branch) still in
	// created or queued, or ErrNotFound.
	FindPendingBuild(ctx context.Context, siteID, branch string) (*domain.Build, error)
	// RefreshPendingBuild coalesces a newer push into an existing pending
	// build: it updates the requested sha and attribution and moves the build
	// to queued, but only while the build is still in created or queued.
	RefreshPendingBuild(ctx context.Context, buildID, commitSha string, userID *string, username string) (*domain.Build, error)
	// TransitionBuild atomically applies t against the transition table using
	// a conditional update. The bool result reports whether the transition
	// was applied; a false result with a nil error means the build already
	// sat in the (terminal) target state and the call was an idempotent
	// no-op. Illegal transitions return domain.ErrInvalidTransition.
	TransitionBuild(ctx context.Context, buildID string, t domain.BuildTransition) (*domain.Build, bool, error)
	ListBuildsBySite(ctx context.Context, siteID string, limit int) ([]domain.Build, error)
	// ListBuildsInStateStartedBefore selects builds in state whose startedAt
	// precedes the cutoff; ListBuildsInStateUpdatedBefore keys on updatedAt.
	ListBuildsInStateStartedBefore(ctx context.Context, state domain.BuildState, before time.Time) ([]domain.Build, error)
	ListBuildsInStateUpdatedBefore(ctx context.Context, state domain.BuildState, before time.Time) ([]domain.Build, error)
}

// BuildLogRepository handles append-only build output chunks.
type BuildLogRepository interface {
	AppendBuildLog(ctx context.Context, log domain.BuildLog) error
	ListBuildLogs(ctx context.Context, buildID, source string, limit, offset int) ([]domain.BuildLog, error)
}

// BuildTaskRepository stores subordinate post-build tasks.
type BuildTaskRepository interface {
	CreateBuildTask(ctx context.Context, task *domain.BuildTask) error
	GetBuildTaskByID(ctx context.Context, taskID string) (*domain.BuildTask, error)
	UpdateBuildTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, message string, completedAt *time.Time) error
	CountBuildTasks(ctx context.Context, buildID string) (int, error)
	CountIncompleteBuildTasks(ctx context.Context, buildID string) (int, error)
}
