package status

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/redact"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/internal/service/logs"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
	"github.com/cloud-gov/pages-core-sub002/pkg/crypto"
)

// ErrForbidden rejects a callback whose token does not match the build's
// stored token. One tenant's worker must not forge another build's status.
var ErrForbidden = errors.New("callback token mismatch")

var callbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pages",
	Subsystem: "status",
	Name:      "callbacks_total",
	Help:      "Count of worker status callbacks by resulting state",
}, []string{"state"})

// StatusReporter posts commit statuses, best-effort.
type StatusReporter interface {
	ReportBuildStatus(ctx context.Context, build *domain.Build) error
}

// Service applies worker-reported state changes to builds and tasks.
type Service struct {
	builds   repository.BuildRepository
	tasks    repository.BuildTaskRepository
	sites    repository.SiteRepository
	users    repository.UserRepository
	logs     logs.Service
	reporter StatusReporter
	cfg      config.Config
	logger   *slog.Logger
}

// New constructs the callback receiver.
func New(builds repository.BuildRepository, tasks repository.BuildTaskRepository, sites repository.SiteRepository, users repository.UserRepository, logSvc logs.Service, reporter StatusReporter, cfg config.Config, logger *slog.Logger) Service {
	return Service{builds: builds, tasks: tasks, sites: sites, users: users, logs: logSvc, reporter: reporter, cfg: cfg, logger: logger}
}

// UpdateStatus authenticates and applies one worker callback. rawStatus is
// "processing" for the worker's first report, then the build step's exit
// status: "0" for success, anything else for failure with a base64 message.
func (s Service) UpdateStatus(ctx context.Context, buildID, token, rawStatus, rawMessage, commitSha string) (*domain.Build, error) {
	build, err := s.authenticate(ctx, buildID, token)
	if err != nil {
		return nil, err
	}

	transition, err := s.interpret(ctx, build, rawStatus, rawMessage, commitSha)
	if err != nil {
		return nil, err
	}

	updated, applied, err := s.builds.TransitionBuild(ctx, build.ID, transition)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Late callback targeting the state the build already settled in;
		// accepted, but side effects must not fire twice.
		return updated, nil
	}
	callbackTotal.WithLabelValues(string(updated.State)).Inc()
	s.completeBuild(ctx, updated)
	return updated, nil
}

// IngestLog authenticates and appends one worker-shipped log chunk.
func (s Service) IngestLog(ctx context.Context, buildID, token, source, output string) error {
	build, err := s.authenticate(ctx, buildID, token)
	if err != nil {
		return err
	}
	if source == "" {
		source = domain.LogSourceAll
	}
	entry := domain.BuildLog{
		BuildID:   build.ID,
		Source:    source,
		Output:    output,
		CreatedAt: time.Now().UTC(),
	}
	return s.logs.Append(ctx, entry, build.Token, s.userToken(ctx, build))
}

// UpdateTaskStatus applies a status report for one subordinate task. When
// the last incomplete task of a tasked build succeeds, the build completes.
func (s Service) UpdateTaskStatus(ctx context.Context, taskID, token, rawStatus, rawMessage string) (*domain.BuildTask, error) {
	task, err := s.tasks.GetBuildTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(task.Token), []byte(token)) != 1 {
		return nil, ErrForbidden
	}
	build, err := s.builds.GetBuildByID(ctx, task.BuildID)
	if err != nil {
		return nil, err
	}

	status, message := s.interpretTask(ctx, build, rawStatus, rawMessage)
	var completedAt *time.Time
	if status.Complete() {
		now := time.Now().UTC()
		completedAt = &now
	}
	if err := s.tasks.UpdateBuildTaskStatus(ctx, task.ID, status, message, completedAt); err != nil {
		return nil, err
	}
	task.Status = status
	task.Message = message
	task.CompletedAt = completedAt

	switch status {
	case domain.TaskError:
		s.finishTaskedBuild(ctx, build, domain.BuildTransition{
			Target:      domain.StateError,
			Error:       fmt.Sprintf("Build task %s failed", task.Name),
			CompletedAt: completedAt,
		})
	case domain.TaskSuccess:
		remaining, err := s.tasks.CountIncompleteBuildTasks(ctx, build.ID)
		if err != nil {
			s.logger.Error("failed to count outstanding tasks", "build_id", build.ID, "error", err)
			return task, nil
		}
		if remaining == 0 {
			s.finishTaskedBuild(ctx, build, domain.BuildTransition{
				Target:      domain.StateSuccess,
				CompletedAt: completedAt,
			})
		}
	}
	return task, nil
}

func (s Service) authenticate(ctx context.Context, buildID, token string) (*domain.Build, error) {
	build, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(build.Token), []byte(token)) != 1 {
		return nil, ErrForbidden
	}
	return build, nil
}

// interpret maps a raw callback onto a transition. Failure messages arrive
// base64-encoded and are redacted before they touch the build row.
func (s Service) interpret(ctx context.Context, build *domain.Build, rawStatus, rawMessage, commitSha string) (domain.BuildTransition, error) {
	switch rawStatus {
	case "processing":
		return domain.BuildTransition{
			Target:          domain.StateProcessing,
			ClonedCommitSha: commitSha,
		}, nil
	case "0":
		target := domain.StateSuccess
		count, err := s.tasks.CountBuildTasks(ctx, build.ID)
		if err != nil {
			return domain.BuildTransition{}, fmt.Errorf("count build tasks: %w", err)
		}
		if count > 0 {
			target = domain.StateTasked
		}
		now := time.Now().UTC()
		t := domain.BuildTransition{Target: target, ClonedCommitSha: commitSha}
		if target.Terminal() {
			t.CompletedAt = &now
		}
		return t, nil
	default:
		now := time.Now().UTC()
		return domain.BuildTransition{
			Target:      domain.StateError,
			Error:       s.decodeMessage(ctx, build, rawMessage),
			CompletedAt: &now,
		}, nil
	}
}

func (s Service) interpretTask(ctx context.Context, build *domain.Build, rawStatus, rawMessage string) (domain.TaskStatus, string) {
	switch rawStatus {
	case "processing":
		return domain.TaskProcessing, ""
	case "0":
		return domain.TaskSuccess, ""
	default:
		return domain.TaskError, s.decodeMessage(ctx, build, rawMessage)
	}
}

func (s Service) decodeMessage(ctx context.Context, build *domain.Build, rawMessage string) string {
	message := rawMessage
	if decoded, err := base64.StdEncoding.DecodeString(rawMessage); err == nil {
		message = string(decoded)
	}
	secrets := redact.BuildSecrets(s.cfg.SharedBuildSecrets(), build.Token, s.userToken(ctx, build))
	return redact.Redact(message, secrets)
}

// completeBuild fires the side effects of an applied transition. None of
// them may prevent the committed transition from standing.
func (s Service) completeBuild(ctx context.Context, build *domain.Build) {
	if build.State == domain.StateSuccess {
		if err := s.sites.TouchSitePublishedAt(ctx, build.SiteID, time.Now().UTC()); err != nil {
			s.logger.Error("failed to advance site published timestamp", "site_id", build.SiteID, "error", err)
		}
	}
	if err := s.reporter.ReportBuildStatus(ctx, build); err != nil {
		s.logger.Warn("commit status report failed", "build_id", build.ID, "error", err)
	}
}

func (s Service) finishTaskedBuild(ctx context.Context, build *domain.Build, t domain.BuildTransition) {
	updated, applied, err := s.builds.TransitionBuild(ctx, build.ID, t)
	if err != nil {
		s.logger.Error("failed to complete tasked build", "build_id", build.ID, "target", string(t.Target), "error", err)
		return
	}
	if applied {
		s.completeBuild(ctx, updated)
	}
}

func (s Service) userToken(ctx context.Context, build *domain.Build) string {
	if build.UserID == nil || s.cfg.EncryptionKey == "" {
		return ""
	}
	user, err := s.users.GetUserByID(ctx, *build.UserID)
	if err != nil || len(user.GithubAccessToken) == 0 {
		return ""
	}
	token, err := crypto.DecryptToString(s.cfg.EncryptionKey, user.GithubAccessToken)
	if err != nil {
		return ""
	}
	return token
}
