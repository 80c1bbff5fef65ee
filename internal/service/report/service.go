package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/github"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
	"github.com/cloud-gov/pages-core-sub002/pkg/crypto"
)

// signedInWindow bounds how stale a fallback credential's sign-in may be.
const signedInWindow = 24 * time.Hour

// StatusAPI is the slice of the GitHub client the reporter needs.
type StatusAPI interface {
	HasPushAccess(ctx context.Context, token, owner, repo string) (bool, error)
	CreateCommitStatus(ctx context.Context, token, owner, repo, sha string, status github.CommitStatus) error
}

// ErrNoCredential means no associated user's token had push access.
var ErrNoCredential = errors.New("no credential with push access")

// Service maps build states onto GitHub commit statuses. Reporting is a
// courtesy to the developer, not a correctness requirement: every caller
// treats a returned error as log-and-continue.
type Service struct {
	sites  repository.SiteRepository
	users  repository.UserRepository
	gh     StatusAPI
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a reporter.
func New(sites repository.SiteRepository, users repository.UserRepository, gh StatusAPI, cfg config.Config, logger *slog.Logger) Service {
	return Service{sites: sites, users: users, gh: gh, cfg: cfg, logger: logger, now: time.Now}
}

// ReportBuildStatus posts the commit status matching the build's state. The
// triggering user's token is tried first; when it has been revoked or lost
// repo access, other site members who signed in recently are tried in turn.
func (s Service) ReportBuildStatus(ctx context.Context, build *domain.Build) error {
	sha := build.ClonedCommitSha
	if sha == "" {
		sha = build.RequestedCommitSha
	}
	if sha == "" {
		s.logger.Info("no commit sha to report against", "build_id", build.ID)
		return nil
	}

	site, err := s.sites.GetSiteByID(ctx, build.SiteID)
	if err != nil {
		return fmt.Errorf("load site for status report: %w", err)
	}

	status := github.CommitStatus{
		State:       commitState(build.State),
		TargetURL:   s.targetURL(site, build),
		Description: commitDescription(build.State),
		Context:     s.cfg.StatusContext,
	}

	for _, cred := range s.candidates(ctx, build, site) {
		ok, err := s.gh.HasPushAccess(ctx, cred.token, site.Owner, site.Repository)
		if err != nil {
			s.logger.Warn("repo permission check failed", "build_id", build.ID, "username", cred.username, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.gh.CreateCommitStatus(ctx, cred.token, site.Owner, site.Repository, sha, status); err != nil {
			return fmt.Errorf("post commit status as %s: %w", cred.username, err)
		}
		return nil
	}
	return fmt.Errorf("%w for %s/%s", ErrNoCredential, site.Owner, site.Repository)
}

type credential struct {
	username string
	token    string
}

// candidates orders usable tokens: the build's own user first, then other
// site members by sign-in recency.
func (s Service) candidates(ctx context.Context, build *domain.Build, site *domain.Site) []credential {
	var creds []credential
	seen := make(map[string]struct{})

	if build.UserID != nil {
		if user, err := s.users.GetUserByID(ctx, *build.UserID); err != nil {
			s.logger.Warn("failed to load build user for reporting", "build_id", build.ID, "error", err)
		} else if token := s.decrypt(user); token != "" {
			creds = append(creds, credential{username: user.Username, token: token})
			seen[user.ID] = struct{}{}
		}
	}

	since := s.now().Add(-signedInWindow)
	users, err := s.users.ListSiteUsersSignedInSince(ctx, site.ID, since)
	if err != nil {
		s.logger.Warn("failed to list fallback users", "site_id", site.ID, "error", err)
		return creds
	}
	for _, user := range users {
		if _, dup := seen[user.ID]; dup {
			continue
		}
		if token := s.decrypt(&user); token != "" {
			creds = append(creds, credential{username: user.Username, token: token})
		}
	}
	return creds
}

func (s Service) decrypt(user *domain.User) string {
	if len(user.GithubAccessToken) == 0 || s.cfg.EncryptionKey == "" {
		return ""
	}
	token, err := crypto.DecryptToString(s.cfg.EncryptionKey, user.GithubAccessToken)
	if err != nil {
		s.logger.Warn("failed to decrypt access token", "user_id", user.ID, "error", err)
		return ""
	}
	return token
}

// targetURL links the status to the preview for successful non-default-branch
// builds and to the build's log viewer otherwise. Default-branch output has no
// preview path, so its success links to the logs rather than the preview host
// root.
func (s Service) targetURL(site *domain.Site, build *domain.Build) string {
	if build.State == domain.StateSuccess {
		if baseURL, _ := site.PublishPath(build.Branch); baseURL != "" {
			return strings.TrimRight(s.cfg.PreviewBaseURL, "/") + baseURL
		}
	}
	return fmt.Sprintf("%s/sites/%s/builds/%s/logs", strings.TrimRight(s.cfg.AppBaseURL, "/"), build.SiteID, build.ID)
}

func commitState(state domain.BuildState) string {
	switch state {
	case domain.StateSuccess:
		return "success"
	case domain.StateError:
		return "error"
	default:
		return "pending"
	}
}

func commitDescription(state domain.BuildState) string {
	switch state {
	case domain.StateSuccess:
		return "The build is complete"
	case domain.StateError:
		return "The build has failed"
	default:
		return "The build is in progress"
	}
}
