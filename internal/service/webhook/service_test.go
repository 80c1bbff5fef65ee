package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
)

const testSha = "0123456789abcdef0123456789abcdef01234567"

func TestVerifySignature(t *testing.T) {
	svc := newTestService(nil)
	body := []byte(`{"ref":"refs/heads/main"}`)

	hasher := hmac.New(sha1.New, []byte("supersecret"))
	hasher.Write(body)
	good := "sha1=" + hex.EncodeToString(hasher.Sum(nil))

	if err := svc.VerifySignature(body, good); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := svc.VerifySignature(body, "sha1=deadbeef"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if err := svc.VerifySignature(body, ""); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for missing header, got %v", err)
	}
}

func TestProcessPushIgnoresEmptyCommits(t *testing.T) {
	builds := &fakeBuildRepo{}
	svc := newTestService(func(s *Service) { s.builds = builds })

	payload := pushPayload("refs/heads/main", testSha, "octocat", "agency/docs")
	payload.Commits = nil

	build, err := svc.ProcessPush(context.Background(), payload)
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build != nil {
		t.Fatal("expected no build for empty push")
	}
	if builds.createCalls != 0 {
		t.Fatalf("expected no inserts, got %d", builds.createCalls)
	}
}

func TestProcessPushIgnoresNonBranchRefs(t *testing.T) {
	builds := &fakeBuildRepo{}
	dispatcher := &fakeDispatcher{}
	svc := newTestService(func(s *Service) {
		s.builds = builds
		s.dispatcher = dispatcher
	})

	for _, ref := range []string{"refs/tags/v1.0", "refs/notes/commits", "main"} {
		build, err := svc.ProcessPush(context.Background(), pushPayload(ref, testSha, "octocat", "agency/docs"))
		if err != nil {
			t.Fatalf("ProcessPush(%q) returned error: %v", ref, err)
		}
		if build != nil {
			t.Fatalf("ref %q must not produce a build", ref)
		}
	}
	if builds.createCalls != 0 {
		t.Fatalf("expected no inserts, got %d", builds.createCalls)
	}
	if dispatcher.calls != 0 {
		t.Fatalf("expected no dispatches, got %d", dispatcher.calls)
	}
}

func TestProcessPushIgnoresUnknownSite(t *testing.T) {
	sites := &fakeSiteRepo{findErr: repository.ErrNotFound}
	builds := &fakeBuildRepo{}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/main", testSha, "octocat", "stranger/repo"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build != nil {
		t.Fatal("expected no build for unknown repository")
	}
}

func TestProcessPushSkipsInactiveSite(t *testing.T) {
	sites := &fakeSiteRepo{site: &domain.Site{ID: "site-1", Active: false}}
	builds := &fakeBuildRepo{}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/main", testSha, "octocat", "agency/docs"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build != nil {
		t.Fatal("expected inactive site to be skipped")
	}
	if builds.createCalls != 0 {
		t.Fatalf("expected no inserts, got %d", builds.createCalls)
	}
}

func TestProcessPushSkipsInactiveOrganization(t *testing.T) {
	orgID := "org-1"
	sites := &fakeSiteRepo{
		site: &domain.Site{ID: "site-1", Active: true, OrganizationID: &orgID, DefaultBranch: "main"},
		org:  &domain.Organization{ID: orgID, Active: false},
	}
	builds := &fakeBuildRepo{}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/main", testSha, "octocat", "agency/docs"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build != nil {
		t.Fatal("expected inactive organization to be skipped")
	}
}

func TestProcessPushRejectsMalformedBranch(t *testing.T) {
	sites := activeSiteRepo()
	svc := newTestService(func(s *Service) { s.sites = sites })

	_, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads//bad", testSha, "octocat", "agency/docs"))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestProcessPushCreatesBuildAndDispatches(t *testing.T) {
	sites := activeSiteRepo()
	builds := &fakeBuildRepo{pendingErr: repository.ErrNotFound}
	dispatcher := &fakeDispatcher{}
	reporter := &fakeReporter{}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
		s.dispatcher = dispatcher
		s.reporter = reporter
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/feature/x", testSha, "Octocat", "agency/docs"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build == nil {
		t.Fatal("expected a build")
	}
	if builds.createCalls != 1 {
		t.Fatalf("expected one insert, got %d", builds.createCalls)
	}
	if build.State != domain.StateCreated {
		t.Fatalf("fresh build in state %s, want created", build.State)
	}
	if build.Branch != "feature/x" {
		t.Fatalf("branch %q, want feature/x", build.Branch)
	}
	if build.RequestedCommitSha != testSha {
		t.Fatalf("sha %q, want %q", build.RequestedCommitSha, testSha)
	}
	if build.Token == "" || build.ID == "" {
		t.Fatal("expected generated id and callback token")
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", dispatcher.calls)
	}
	if reporter.calls != 1 {
		t.Fatalf("expected one status report, got %d", reporter.calls)
	}
}

func TestProcessPushCoalescesPendingBuild(t *testing.T) {
	sites := activeSiteRepo()
	pending := &domain.Build{ID: "build-1", SiteID: "site-1", Branch: "main", State: domain.StateQueued, Token: "tok"}
	builds := &fakeBuildRepo{pending: pending}
	dispatcher := &fakeDispatcher{}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
		s.dispatcher = dispatcher
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/main", testSha, "octocat", "agency/docs"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build.ID != "build-1" {
		t.Fatalf("expected coalesced build build-1, got %s", build.ID)
	}
	if builds.createCalls != 0 {
		t.Fatalf("coalescing must not insert, got %d inserts", builds.createCalls)
	}
	if builds.refreshCalls != 1 {
		t.Fatalf("expected one refresh, got %d", builds.refreshCalls)
	}
	if builds.lastRefreshSha != testSha {
		t.Fatalf("refresh sha %q, want %q", builds.lastRefreshSha, testSha)
	}
}

func TestProcessPushRefreshRaceFallsBackToInsert(t *testing.T) {
	// The pending build settled between the find and the guarded refresh;
	// the push must get its own fresh build.
	sites := activeSiteRepo()
	pending := &domain.Build{ID: "build-1", SiteID: "site-1", Branch: "main", State: domain.StateQueued}
	builds := &fakeBuildRepo{pending: pending, refreshErr: repository.ErrNotFound}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/main", testSha, "octocat", "agency/docs"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build.ID == "build-1" {
		t.Fatal("expected a fresh build, got the settled one")
	}
	if builds.createCalls != 1 {
		t.Fatalf("expected fallback insert, got %d inserts", builds.createCalls)
	}
}

func TestProcessPushUnknownSenderAttributedByUsername(t *testing.T) {
	sites := activeSiteRepo()
	builds := &fakeBuildRepo{pendingErr: repository.ErrNotFound}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
		s.users = &fakeUserRepo{findErr: repository.ErrNotFound}
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/main", testSha, "Stranger", "agency/docs"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build.UserID != nil {
		t.Fatal("unmatched sender should have nil user id")
	}
	if build.Username != "Stranger" {
		t.Fatalf("username %q, want Stranger with login casing kept", build.Username)
	}
}

func TestProcessPushSurvivesDispatchFailure(t *testing.T) {
	// The webhook response reflects the stored row even when the queue is
	// down; the dispatch failure is settled through the build's error state.
	sites := activeSiteRepo()
	failed := &domain.Build{ID: "build-9", State: domain.StateError, Error: "queue transport failed"}
	builds := &fakeBuildRepo{pendingErr: repository.ErrNotFound, build: failed}
	dispatcher := &fakeDispatcher{err: errors.New("redis unreachable")}
	svc := newTestService(func(s *Service) {
		s.sites = sites
		s.builds = builds
		s.dispatcher = dispatcher
	})

	build, err := svc.ProcessPush(context.Background(), pushPayload("refs/heads/main", testSha, "octocat", "agency/docs"))
	if err != nil {
		t.Fatalf("ProcessPush returned error: %v", err)
	}
	if build.State != domain.StateError {
		t.Fatalf("expected re-fetched errored build, got state %s", build.State)
	}
}

func pushPayload(ref, after, sender, fullName string) PushPayload {
	var p PushPayload
	p.Ref = ref
	p.After = after
	p.Commits = []struct {
		ID string `json:"id"`
	}{{ID: after}}
	p.Sender.Login = sender
	p.Repository.FullName = fullName
	return p
}

func activeSiteRepo() *fakeSiteRepo {
	return &fakeSiteRepo{site: &domain.Site{
		ID:            "site-1",
		Owner:         "agency",
		Repository:    "docs",
		Active:        true,
		DefaultBranch: "main",
	}}
}

type serviceOption func(*Service)

func newTestService(opt serviceOption) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := Service{
		sites:      activeSiteRepo(),
		users:      &fakeUserRepo{},
		builds:     &fakeBuildRepo{pendingErr: repository.ErrNotFound},
		dispatcher: &fakeDispatcher{},
		reporter:   &fakeReporter{},
		cfg:        config.Config{WebhookSecret: "supersecret"},
		logger:     logger,
	}
	if opt != nil {
		opt(&svc)
	}
	return svc
}

type fakeSiteRepo struct {
	site    *domain.Site
	org     *domain.Organization
	findErr error
}

func (f *fakeSiteRepo) GetSiteByID(context.Context, string) (*domain.Site, error) {
	if f.site == nil {
		return nil, repository.ErrNotFound
	}
	return f.site, nil
}

func (f *fakeSiteRepo) FindSiteByRepo(_ context.Context, owner, repo string) (*domain.Site, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.site == nil {
		return nil, repository.ErrNotFound
	}
	if !strings.EqualFold(owner, f.site.Owner) && f.site.Owner != "" {
		return nil, repository.ErrNotFound
	}
	return f.site, nil
}

func (f *fakeSiteRepo) GetOrganizationByID(context.Context, string) (*domain.Organization, error) {
	if f.org == nil {
		return nil, repository.ErrNotFound
	}
	return f.org, nil
}

func (f *fakeSiteRepo) TouchSitePublishedAt(context.Context, string, time.Time) error {
	return nil
}

type fakeUserRepo struct {
	user    *domain.User
	findErr error
}

func (f *fakeUserRepo) GetUserByID(context.Context, string) (*domain.User, error) {
	if f.user == nil {
		return nil, repository.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeUserRepo) FindUserByUsername(context.Context, string) (*domain.User, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.user == nil {
		return nil, repository.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeUserRepo) ListSiteUsersSignedInSince(context.Context, string, time.Time) ([]domain.User, error) {
	return nil, nil
}

type fakeBuildRepo struct {
	createCalls    int
	refreshCalls   int
	lastRefreshSha string
	pending        *domain.Build
	pendingErr     error
	refreshErr     error
	build          *domain.Build
	created        *domain.Build
}

func (f *fakeBuildRepo) CreateBuild(_ context.Context, build *domain.Build) error {
	f.createCalls++
	f.created = build
	return nil
}

func (f *fakeBuildRepo) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	if f.build != nil {
		return f.build, nil
	}
	if f.created != nil && f.created.ID == buildID {
		return f.created, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeBuildRepo) FindPendingBuild(context.Context, string, string) (*domain.Build, error) {
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return f.pending, nil
}

func (f *fakeBuildRepo) RefreshPendingBuild(_ context.Context, buildID, commitSha string, userID *string, username string) (*domain.Build, error) {
	f.refreshCalls++
	f.lastRefreshSha = commitSha
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	refreshed := *f.pending
	refreshed.RequestedCommitSha = commitSha
	refreshed.UserID = userID
	refreshed.Username = username
	refreshed.State = domain.StateQueued
	return &refreshed, nil
}

func (f *fakeBuildRepo) TransitionBuild(_ context.Context, _ string, t domain.BuildTransition) (*domain.Build, bool, error) {
	return &domain.Build{State: t.Target}, true, nil
}

func (f *fakeBuildRepo) ListBuildsBySite(context.Context, string, int) ([]domain.Build, error) {
	return nil, nil
}

func (f *fakeBuildRepo) ListBuildsInStateStartedBefore(context.Context, domain.BuildState, time.Time) ([]domain.Build, error) {
	return nil, nil
}

func (f *fakeBuildRepo) ListBuildsInStateUpdatedBefore(context.Context, domain.BuildState, time.Time) ([]domain.Build, error) {
	return nil, nil
}

type fakeDispatcher struct {
	calls int
	err   error
}

func (f *fakeDispatcher) Dispatch(context.Context, *domain.Build) error {
	f.calls++
	return f.err
}

type fakeReporter struct {
	calls int
	err   error
	last  *domain.Build
}

func (f *fakeReporter) ReportBuildStatus(_ context.Context, build *domain.Build) error {
	f.calls++
	f.last = build
	return f.err
}
