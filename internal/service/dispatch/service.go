package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/redact"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
	"github.com/cloud-gov/pages-core-sub002/pkg/crypto"
)

var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pages",
	Subsystem: "dispatch",
	Name:      "jobs_total",
	Help:      "Count of build job dispatch attempts by outcome",
}, []string{"outcome"})

// Transport sends messages to the external build worker.
type Transport interface {
	PublishJob(ctx context.Context, payload []byte) error
	PublishCancel(ctx context.Context, buildID string) error
}

// EnvVar is one name/value pair in the worker job environment.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type jobMessage struct {
	Environment []EnvVar `json:"environment"`
}

// Service serializes builds into worker-job messages and hands them to the
// queue. Dispatch is fire-and-forget: confirmation of actual work arrives
// only through the status callback.
type Service struct {
	sites  repository.SiteRepository
	users  repository.UserRepository
	builds repository.BuildRepository
	queue  Transport
	cfg    config.Config
	logger *slog.Logger
}

// New constructs a dispatch service.
func New(sites repository.SiteRepository, users repository.UserRepository, builds repository.BuildRepository, queue Transport, cfg config.Config, logger *slog.Logger) Service {
	return Service{sites: sites, users: users, builds: builds, queue: queue, cfg: cfg, logger: logger}
}

// Dispatch enqueues the worker job for a committed build. A transport
// failure forces the build to error so the failure is visible, then
// propagates.
func (s Service) Dispatch(ctx context.Context, build *domain.Build) error {
	site, err := s.sites.GetSiteByID(ctx, build.SiteID)
	if err != nil {
		return fmt.Errorf("load site for dispatch: %w", err)
	}
	userToken := s.userToken(ctx, build)

	payload, err := json.Marshal(s.jobMessage(build, site, userToken))
	if err != nil {
		return fmt.Errorf("serialize job message: %w", err)
	}

	if err := s.queue.PublishJob(ctx, payload); err != nil {
		dispatchTotal.WithLabelValues("error").Inc()
		s.failBuild(ctx, build, userToken, err)
		return err
	}
	dispatchTotal.WithLabelValues("ok").Inc()

	// A confirmed send moves the build out of created. The transition is a
	// no-op for coalesced builds already sitting in queued.
	if updated, _, err := s.builds.TransitionBuild(ctx, build.ID, domain.BuildTransition{Target: domain.StateQueued}); err != nil {
		s.logger.Warn("failed to mark build queued", "build_id", build.ID, "error", err)
	} else {
		*build = *updated
	}
	s.logger.Info("build dispatched", "build_id", build.ID, "site_id", site.ID, "branch", build.Branch)
	return nil
}

// Cancel publishes an advisory cancellation notice for a build's worker task.
func (s Service) Cancel(ctx context.Context, buildID string) error {
	return s.queue.PublishCancel(ctx, buildID)
}

// failBuild records a dispatch failure on the build row. The transport error
// is redacted before persistence since it can echo connection credentials.
func (s Service) failBuild(ctx context.Context, build *domain.Build, userToken string, cause error) {
	now := time.Now().UTC()
	message := redact.Redact(cause.Error(), redact.BuildSecrets(s.cfg.SharedBuildSecrets(), build.Token, userToken))
	if _, _, err := s.builds.TransitionBuild(ctx, build.ID, domain.BuildTransition{
		Target:      domain.StateError,
		Error:       message,
		CompletedAt: &now,
	}); err != nil {
		s.logger.Error("failed to record dispatch failure", "build_id", build.ID, "error", err)
	}
}

func (s Service) jobMessage(build *domain.Build, site *domain.Site, userToken string) jobMessage {
	appBase := strings.TrimRight(s.cfg.AppBaseURL, "/")
	baseURL, prefix := site.PublishPath(build.Branch)

	env := []EnvVar{
		{Name: "AWS_ACCESS_KEY_ID", Value: s.cfg.AWSAccessKeyID},
		{Name: "AWS_SECRET_ACCESS_KEY", Value: s.cfg.AWSSecretAccessKey},
		{Name: "CALLBACK", Value: fmt.Sprintf("%s/v0/build/%s/status/%s", appBase, build.ID, build.Token)},
		{Name: "LOG_CALLBACK", Value: fmt.Sprintf("%s/v0/build/%s/logs/%s", appBase, build.ID, build.Token)},
		{Name: "BUCKET", Value: s.cfg.BuildBucket},
		{Name: "BASEURL", Value: baseURL},
		{Name: "CACHE_CONTROL", Value: s.cfg.CacheControl},
		{Name: "BRANCH", Value: build.Branch},
		{Name: "CONFIG", Value: site.Config},
		{Name: "REPOSITORY", Value: site.Repository},
		{Name: "OWNER", Value: site.Owner},
		{Name: "PREFIX", Value: prefix},
		{Name: "GITHUB_TOKEN", Value: userToken},
		{Name: "GENERATOR", Value: site.Engine},
	}
	if build.SourceOwner != "" && build.SourceRepo != "" {
		env = append(env,
			EnvVar{Name: "SOURCE_OWNER", Value: build.SourceOwner},
			EnvVar{Name: "SOURCE_REPO", Value: build.SourceRepo},
		)
	}
	return jobMessage{Environment: env}
}

// userToken resolves and decrypts the triggering user's access token, empty
// when the build has no member attribution or no encryption key is set.
func (s Service) userToken(ctx context.Context, build *domain.Build) string {
	if build.UserID == nil || s.cfg.EncryptionKey == "" {
		return ""
	}
	user, err := s.users.GetUserByID(ctx, *build.UserID)
	if err != nil {
		s.logger.Warn("failed to load build user", "build_id", build.ID, "user_id", *build.UserID, "error", err)
		return ""
	}
	if len(user.GithubAccessToken) == 0 {
		return ""
	}
	token, err := crypto.DecryptToString(s.cfg.EncryptionKey, user.GithubAccessToken)
	if err != nil {
		s.logger.Warn("failed to decrypt user token", "build_id", build.ID, "user_id", user.ID, "error", err)
		return ""
	}
	return token
}
