package domain

import "time"

// LogSourceAll tags the consolidated output stream of a build; other source
// values denote sub-phase outputs (clone, build, publish).
const LogSourceAll = "ALL"

// BuildLog is one immutable chunk of textual output attached to a build.
// Secrets are redacted before the chunk is persisted, never at read time.
type BuildLog struct {
	ID        int64
	BuildID   string
	Source    string
	Output    string
	CreatedAt time.Time
}
