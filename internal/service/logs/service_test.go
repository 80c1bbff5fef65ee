package logs

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/ws"
)

func TestAppendRedactsBeforePersistAndBroadcast(t *testing.T) {
	repo := &fakeLogRepo{}
	hub := ws.NewHub()
	sub := newFakeSubscriber()
	hub.Register("build-1", sub)

	svc := New(repo, hub, discardLogger(), []string{"shared-secret"})
	entry := domain.BuildLog{
		BuildID: "build-1",
		Source:  domain.LogSourceAll,
		Output:  "pushing with shared-secret and build-token",
	}
	if err := svc.Append(context.Background(), entry, "build-token"); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	if len(repo.entries) != 1 {
		t.Fatalf("expected one stored chunk, got %d", len(repo.entries))
	}
	stored := repo.entries[0].Output
	if strings.Contains(stored, "shared-secret") || strings.Contains(stored, "build-token") {
		t.Fatalf("secret survived redaction: %q", stored)
	}

	select {
	case payload := <-sub.payloads:
		var msg map[string]any
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal broadcast payload: %v", err)
		}
		output, _ := msg["output"].(string)
		if strings.Contains(output, "shared-secret") {
			t.Fatalf("secret leaked through the stream: %q", output)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the subscriber")
	}
}

func TestAppendWithoutHub(t *testing.T) {
	repo := &fakeLogRepo{}
	svc := New(repo, nil, discardLogger(), nil)
	if err := svc.Append(context.Background(), domain.BuildLog{BuildID: "build-1", Output: "line"}); err != nil {
		t.Fatalf("Append without hub returned error: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected one stored chunk, got %d", len(repo.entries))
	}
}

func TestListDefaultsSourceToAll(t *testing.T) {
	repo := &fakeLogRepo{}
	svc := New(repo, nil, discardLogger(), nil)

	if _, err := svc.List(context.Background(), "build-1", "", 0); err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if repo.lastSource != domain.LogSourceAll {
		t.Fatalf("source %q, want ALL", repo.lastSource)
	}
	if repo.lastLimit != DefaultPageSize {
		t.Fatalf("limit %d, want %d", repo.lastLimit, DefaultPageSize)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeLogRepo struct {
	entries    []domain.BuildLog
	lastSource string
	lastLimit  int
}

func (f *fakeLogRepo) AppendBuildLog(_ context.Context, log domain.BuildLog) error {
	f.entries = append(f.entries, log)
	return nil
}

func (f *fakeLogRepo) ListBuildLogs(_ context.Context, _, source string, limit, _ int) ([]domain.BuildLog, error) {
	f.lastSource = source
	f.lastLimit = limit
	return f.entries, nil
}

type fakeSubscriber struct {
	payloads chan []byte
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{payloads: make(chan []byte, 8)}
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.payloads <- payload
	return nil
}

func (f *fakeSubscriber) Close() {}
