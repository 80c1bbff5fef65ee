package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SiteRepository      = (*Repository)(nil)
	_ repository.UserRepository      = (*Repository)(nil)
	_ repository.BuildRepository     = (*Repository)(nil)
	_ repository.BuildLogRepository  = (*Repository)(nil)
	_ repository.BuildTaskRepository = (*Repository)(nil)
)

const buildColumns = `id, site_id, user_id, username, branch, requested_commit_sha,
	cloned_commit_sha, state, error, token, source_owner, source_repo,
	started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*domain.Build, error) {
	var b domain.Build
	var state string
	if err := row.Scan(&b.ID, &b.SiteID, &b.UserID, &b.Username, &b.Branch,
		&b.RequestedCommitSha, &b.ClonedCommitSha, &state, &b.Error, &b.Token,
		&b.SourceOwner, &b.SourceRepo, &b.StartedAt, &b.CompletedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.State = domain.BuildState(state)
	return &b, nil
}

// GetSiteByID fetches a site by identifier.
func (r *Repository) GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error) {
	const query = `SELECT id, organization_id, owner, repository, engine, default_branch,
		demo_branch, config, active, published_at, created_at
		FROM sites WHERE id = $1`
	return scanSite(r.pool.QueryRow(ctx, query, siteID))
}

// FindSiteByRepo resolves a site from its GitHub coordinates, case-insensitively.
func (r *Repository) FindSiteByRepo(ctx context.Context, owner, repositoryName string) (*domain.Site, error) {
	const query = `SELECT id, organization_id, owner, repository, engine, default_branch,
		demo_branch, config, active, published_at, created_at
		FROM sites WHERE LOWER(owner) = LOWER($1) AND LOWER(repository) = LOWER($2)`
	return scanSite(r.pool.QueryRow(ctx, query, owner, repositoryName))
}

func scanSite(row rowScanner) (*domain.Site, error) {
	var s domain.Site
	if err := row.Scan(&s.ID, &s.OrganizationID, &s.Owner, &s.Repository, &s.Engine,
		&s.DefaultBranch, &s.DemoBranch, &s.Config, &s.Active, &s.PublishedAt, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetOrganizationByID fetches an organization.
func (r *Repository) GetOrganizationByID(ctx context.Context, orgID string) (*domain.Organization, error) {
	const query = `SELECT id, name, active, created_at FROM organizations WHERE id = $1`
	var o domain.Organization
	if err := r.pool.QueryRow(ctx, query, orgID).Scan(&o.ID, &o.Name, &o.Active, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// TouchSitePublishedAt advances the site's published timestamp.
func (r *Repository) TouchSitePublishedAt(ctx context.Context, siteID string, at time.Time) error {
	const query = `UPDATE sites SET published_at = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, siteID, at)
	return err
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	const query = `SELECT id, username, email, github_access_token, signed_in_at, created_at
		FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, userID))
}

// FindUserByUsername matches a user case-insensitively.
func (r *Repository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, email, github_access_token, signed_in_at, created_at
		FROM users WHERE LOWER(username) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, username))
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.GithubAccessToken, &u.SignedInAt, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ListSiteUsersSignedInSince returns site members by recency of sign-in.
func (r *Repository) ListSiteUsersSignedInSince(ctx context.Context, siteID string, since time.Time) ([]domain.User, error) {
	const query = `SELECT u.id, u.username, u.email, u.github_access_token, u.signed_in_at, u.created_at
		FROM users u
		JOIN site_users su ON su.user_id = u.id
		WHERE su.site_id = $1 AND u.signed_in_at >= $2
		ORDER BY u.signed_in_at DESC`
	rows, err := r.pool.Query(ctx, query, siteID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.GithubAccessToken, &u.SignedInAt, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateBuild inserts a build in its initial state.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	if err := domain.ValidateBranch(build.Branch); err != nil {
		return err
	}
	if err := domain.ValidateCommitSha(build.RequestedCommitSha); err != nil {
		return err
	}
	const query = `INSERT INTO builds (id, site_id, user_id, username, branch,
		requested_commit_sha, cloned_commit_sha, state, error, token,
		source_owner, source_repo, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query, build.ID, build.SiteID, build.UserID, build.Username,
		build.Branch, build.RequestedCommitSha, build.ClonedCommitSha, string(build.State),
		build.Error, build.Token, build.SourceOwner, build.SourceRepo,
		build.StartedAt, build.CompletedAt, build.UpdatedAt)
	return err
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}

// FindPendingBuild returns the newest created/queued build for (site, branch).
func (r *Repository) FindPendingBuild(ctx context.Context, siteID, branch string) (*domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds
		WHERE site_id = $1 AND branch = $2 AND state IN ('created', 'queued')
		ORDER BY started_at DESC LIMIT 1`
	build, err := scanBuild(r.pool.QueryRow(ctx, query, siteID, branch))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}

// RefreshPendingBuild coalesces a newer push into a still-pending build. The
// state guard makes the update atomic against a concurrent dispatch or
// completion; ErrNotFound tells the caller the build is no longer pending.
func (r *Repository) RefreshPendingBuild(ctx context.Context, buildID, commitSha string, userID *string, username string) (*domain.Build, error) {
	if err := domain.ValidateCommitSha(commitSha); err != nil {
		return nil, err
	}
	query := `UPDATE builds
		SET requested_commit_sha = $2, user_id = $3, username = $4,
			state = 'queued', updated_at = NOW()
		WHERE id = $1 AND state IN ('created', 'queued')
		RETURNING ` + buildColumns
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID, commitSha, userID, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}

// TransitionBuild applies a guarded state change. The WHERE state = ANY(...)
// clause is the compare-and-set that keeps a status callback and a timeout
// sweep racing on the same row from both winning.
func (r *Repository) TransitionBuild(ctx context.Context, buildID string, t domain.BuildTransition) (*domain.Build, bool, error) {
	if err := domain.ValidateCommitSha(t.ClonedCommitSha); err != nil {
		return nil, false, err
	}
	sources := domain.TransitionSources(t.Target)
	if len(sources) == 0 {
		return nil, false, fmt.Errorf("no transitions into state %q: %w", t.Target, domain.ErrInvalidTransition)
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}
	query := `UPDATE builds
		SET state = $2,
			error = CASE WHEN $3 <> '' THEN $3 ELSE error END,
			cloned_commit_sha = CASE WHEN $4 <> '' THEN $4 ELSE cloned_commit_sha END,
			completed_at = COALESCE(completed_at, $5),
			updated_at = NOW()
		WHERE id = $1 AND state = ANY($6)
		RETURNING ` + buildColumns
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID, string(t.Target),
		t.Error, t.ClonedCommitSha, t.CompletedAt, from))
	if err == nil {
		return build, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	current, getErr := r.GetBuildByID(ctx, buildID)
	if getErr != nil {
		return nil, false, getErr
	}
	// A late call targeting the state the build already settled in is an
	// idempotent no-op, not a conflict.
	if current.State == t.Target && current.State.Terminal() {
		return current, false, nil
	}
	return nil, false, fmt.Errorf("%s -> %s: %w", current.State, t.Target, domain.ErrInvalidTransition)
}

// ListBuildsBySite fetches recent builds for a site.
func (r *Repository) ListBuildsBySite(ctx context.Context, siteID string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + buildColumns + ` FROM builds
		WHERE site_id = $1 ORDER BY started_at DESC LIMIT $2`
	return r.queryBuilds(ctx, query, siteID, limit)
}

// ListBuildsInStateStartedBefore finds builds in a state started before the cutoff.
func (r *Repository) ListBuildsInStateStartedBefore(ctx context.Context, state domain.BuildState, before time.Time) ([]domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds
		WHERE state = $1 AND started_at < $2`
	return r.queryBuilds(ctx, query, string(state), before)
}

// ListBuildsInStateUpdatedBefore finds builds in a state last touched before the cutoff.
func (r *Repository) ListBuildsInStateUpdatedBefore(ctx context.Context, state domain.BuildState, before time.Time) ([]domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds
		WHERE state = $1 AND updated_at < $2`
	return r.queryBuilds(ctx, query, string(state), before)
}

func (r *Repository) queryBuilds(ctx context.Context, query string, args ...any) ([]domain.Build, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []domain.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

// AppendBuildLog stores one output chunk. Chunks are immutable once written.
func (r *Repository) AppendBuildLog(ctx context.Context, log domain.BuildLog) error {
	const query = `INSERT INTO build_logs (build_id, source, output, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, log.BuildID, log.Source, log.Output, log.CreatedAt)
	return err
}

// ListBuildLogs returns log chunks for one source stream, oldest first.
func (r *Repository) ListBuildLogs(ctx context.Context, buildID, source string, limit, offset int) ([]domain.BuildLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, build_id, source, output, created_at FROM build_logs
		WHERE build_id = $1 AND source = $2
		ORDER BY id ASC LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, query, buildID, source, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.BuildLog
	for rows.Next() {
		var l domain.BuildLog
		if err := rows.Scan(&l.ID, &l.BuildID, &l.Source, &l.Output, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CreateBuildTask inserts a subordinate task for a build.
func (r *Repository) CreateBuildTask(ctx context.Context, task *domain.BuildTask) error {
	const query = `INSERT INTO build_tasks (id, build_id, name, status, message, token, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, task.ID, task.BuildID, task.Name, string(task.Status),
		task.Message, task.Token, task.CreatedAt, task.CompletedAt)
	return err
}

// GetBuildTaskByID fetches a task.
func (r *Repository) GetBuildTaskByID(ctx context.Context, taskID string) (*domain.BuildTask, error) {
	const query = `SELECT id, build_id, name, status, message, token, created_at, completed_at
		FROM build_tasks WHERE id = $1`
	var t domain.BuildTask
	var status string
	if err := r.pool.QueryRow(ctx, query, taskID).Scan(&t.ID, &t.BuildID, &t.Name, &status,
		&t.Message, &t.Token, &t.CreatedAt, &t.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	return &t, nil
}

// UpdateBuildTaskStatus records a task's reported status.
func (r *Repository) UpdateBuildTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, message string, completedAt *time.Time) error {
	const query = `UPDATE build_tasks
		SET status = $2, message = $3, completed_at = COALESCE(completed_at, $4)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, taskID, string(status), message, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountBuildTasks counts all tasks chained to a build.
func (r *Repository) CountBuildTasks(ctx context.Context, buildID string) (int, error) {
	const query = `SELECT COUNT(1) FROM build_tasks WHERE build_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, buildID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountIncompleteBuildTasks counts tasks not yet in a final status.
func (r *Repository) CountIncompleteBuildTasks(ctx context.Context, buildID string) (int, error) {
	const query = `SELECT COUNT(1) FROM build_tasks
		WHERE build_id = $1 AND status NOT IN ('success', 'error')`
	var count int
	if err := r.pool.QueryRow(ctx, query, buildID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
