package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/redact"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/internal/ws"
)

// DefaultPageSize bounds one page of the consolidated log stream.
const DefaultPageSize = 1000

// Service handles build log persistence and streaming. Every chunk is run
// through the redactor before it is written; nothing redacts on read.
type Service struct {
	repo          repository.BuildLogRepository
	hub           *ws.Hub
	logger        *slog.Logger
	sharedSecrets []string
}

// New constructs a log service. sharedSecrets is the platform-wide secret
// list appended to every build's own secrets at write time.
func New(repo repository.BuildLogRepository, hub *ws.Hub, logger *slog.Logger, sharedSecrets []string) Service {
	return Service{repo: repo, hub: hub, logger: logger, sharedSecrets: sharedSecrets}
}

// Append redacts, stores and broadcasts one log chunk. buildSecrets carries
// the per-build literals (callback token, user access token).
func (s Service) Append(ctx context.Context, entry domain.BuildLog, buildSecrets ...string) error {
	entry.Output = redact.Redact(entry.Output, redact.BuildSecrets(s.sharedSecrets, buildSecrets...))
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendBuildLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns one page of a build's log stream, oldest first.
func (s Service) List(ctx context.Context, buildID, source string, offset int) ([]domain.BuildLog, error) {
	if source == "" {
		source = domain.LogSourceAll
	}
	return s.repo.ListBuildLogs(ctx, buildID, source, DefaultPageSize, offset)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(entry domain.BuildLog) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.BuildID, payload)
}

// MarshalEntry formats a build log for streaming payloads.
func MarshalEntry(entry domain.BuildLog) ([]byte, error) {
	return json.Marshal(map[string]any{
		"build_id":   entry.BuildID,
		"source":     entry.Source,
		"output":     entry.Output,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	})
}
