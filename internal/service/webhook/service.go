package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
)

// ErrSignatureInvalid rejects a payload whose HMAC does not match.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrInvalidPayload marks push events rejected by validation rather
// than by infrastructure failure.
var ErrInvalidPayload = errors.New("invalid push payload")

// Dispatcher hands a committed build to the queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, build *domain.Build) error
}

// StatusReporter posts commit statuses, best-effort.
type StatusReporter interface {
	ReportBuildStatus(ctx context.Context, build *domain.Build) error
}

// PushPayload is the slice of a GitHub push event the intake needs.
type PushPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Commits []struct {
		ID string `json:"id"`
	} `json:"commits"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Service turns validated push events into builds, coalescing rapid pushes
// to one branch into a single pending build.
type Service struct {
	sites      repository.SiteRepository
	users      repository.UserRepository
	builds     repository.BuildRepository
	dispatcher Dispatcher
	reporter   StatusReporter
	cfg        config.Config
	logger     *slog.Logger
}

// New constructs the intake service.
func New(sites repository.SiteRepository, users repository.UserRepository, builds repository.BuildRepository, dispatcher Dispatcher, reporter StatusReporter, cfg config.Config, logger *slog.Logger) Service {
	return Service{sites: sites, users: users, builds: builds, dispatcher: dispatcher, reporter: reporter, cfg: cfg, logger: logger}
}

// VerifySignature checks the sha1 HMAC of the raw body against the
// X-Hub-Signature header value, in constant time.
func (s Service) VerifySignature(body []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return errors.New("webhook secret not configured")
	}
	hasher := hmac.New(sha1.New, []byte(s.cfg.WebhookSecret))
	hasher.Write(body)
	expected := "sha1=" + hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

// ProcessPush applies the intake algorithm. A nil build with a nil error
// means the event was legitimately skipped: no new commits, a non-branch
// ref, no matching site, or an inactive tenant.
func (s Service) ProcessPush(ctx context.Context, payload PushPayload) (*domain.Build, error) {
	if len(payload.Commits) == 0 {
		s.logger.Info("push with no commits ignored", "repository", payload.Repository.FullName)
		return nil, nil
	}

	owner, repo, ok := strings.Cut(payload.Repository.FullName, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: malformed repository name %q", ErrInvalidPayload, payload.Repository.FullName)
	}

	site, err := s.sites.FindSiteByRepo(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Info("push for unknown site ignored", "owner", owner, "repository", repo)
			return nil, nil
		}
		return nil, err
	}
	if skip, err := s.inactiveTenant(ctx, site); err != nil {
		return nil, err
	} else if skip {
		s.logger.Info("push for inactive tenant ignored", "site_id", site.ID)
		return nil, nil
	}

	branch, isBranch := strings.CutPrefix(payload.Ref, "refs/heads/")
	if !isBranch {
		s.logger.Info("non-branch ref ignored", "ref", payload.Ref, "site_id", site.ID)
		return nil, nil
	}
	if err := domain.ValidateBranch(branch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := domain.ValidateCommitSha(payload.After); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	userID, username := s.resolveSender(ctx, payload.Sender.Login)

	build, err := s.upsertBuild(ctx, site, branch, payload.After, userID, username)
	if err != nil {
		return nil, err
	}

	// Queue dispatch and status reporting are fired after the build row is
	// committed; neither may roll it back.
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

// inactiveTenant reports whether the site or its owning organization is
// disabled. A disabled tenant must not consume build capacity.
func (s Service) inactiveTenant(ctx context.Context, site *domain.Site) (bool, error) {
	if !site.Active {
		return true, nil
	}
	if site.OrganizationID == nil {
		return false, nil
	}
	org, err := s.sites.GetOrganizationByID(ctx, *site.OrganizationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return !org.Active, nil
}

// resolveSender looks the pusher up by username. An unmatched sender is
// legal: the build is attributed by login only, casing preserved, since
// username on the build is a display value. The lookup itself is
// case-insensitive in the repository.
func (s Service) resolveSender(ctx context.Context, login string) (*string, string) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, "unknown"
	}
	user, err := s.users.FindUserByUsername(ctx, login)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("sender lookup failed", "username", login, "error", err)
		}
		return nil, login
	}
	return &user.ID, user.Username
}

// upsertBuild coalesces the push into an existing pending build for the same
// (site, branch) or inserts a fresh one. The refresh is guarded on the
// pending states, so losing the race against a completing build falls back
// to an insert.
func (s Service) upsertBuild(ctx context.Context, site *domain.Site, branch, commitSha string, userID *string, username string) (*domain.Build, error) {
	pending, err := s.builds.FindPendingBuild(ctx, site.ID, branch)
	if err == nil {
		refreshed, rerr := s.builds.RefreshPendingBuild(ctx, pending.ID, commitSha, userID, username)
		if rerr == nil {
			s.logger.Info("coalesced push into pending build", "build_id", refreshed.ID, "branch", branch, "commit", commitSha)
			return refreshed, nil
		}
		if !errors.Is(rerr, repository.ErrNotFound) {
			return nil, rerr
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	build := &domain.Build{
		ID:                 uuid.NewString(),
		SiteID:             site.ID,
		UserID:             userID,
		Username:           username,
		Branch:             branch,
		RequestedCommitSha: commitSha,
		State:              domain.StateCreated,
		Token:              uuid.NewString(),
		StartedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.builds.CreateBuild(ctx, build); err != nil {
		return nil, err
	}
	s.logger.Info("build created", "build_id", build.ID, "site_id", site.ID, "branch", branch, "commit", commitSha)
	return build, nil
}
