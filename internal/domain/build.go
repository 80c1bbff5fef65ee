package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// BuildState enumerates the lifecycle states of a build.
type BuildState string

const (
	StateCreated    BuildState = "created"
	StateQueued     BuildState = "queued"
	StateProcessing BuildState = "processing"
	StateTasked     BuildState = "tasked"
	StateSuccess    BuildState = "success"
	StateError      BuildState = "error"
)

// ErrInvalidTransition signals a state change the transition table forbids.
// Callers must treat it as a conflict, not apply the change anyway.
var ErrInvalidTransition = errors.New("invalid build state transition")

// transitionSources maps each target state to the set of states it may be
// entered from. State changes happen only through guarded updates against
// this table, never by direct field assignment.
var transitionSources = map[BuildState][]BuildState{
	StateQueued:     {StateCreated, StateQueued},
	StateProcessing: {StateCreated, StateQueued, StateProcessing},
	StateTasked:     {StateCreated, StateQueued, StateProcessing},
	StateSuccess:    {StateCreated, StateQueued, StateProcessing, StateTasked},
	StateError:      {StateCreated, StateQueued, StateProcessing, StateTasked},
}

// TransitionSources returns the states that may transition into target.
func TransitionSources(target BuildState) []BuildState {
	sources := transitionSources[target]
	out := make([]BuildState, len(sources))
	copy(out, sources)
	return out
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to BuildState) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s BuildState) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// ParseBuildState validates a raw state string.
func ParseBuildState(raw string) (BuildState, error) {
	switch BuildState(raw) {
	case StateCreated, StateQueued, StateProcessing, StateTasked, StateSuccess, StateError:
		return BuildState(raw), nil
	}
	return "", fmt.Errorf("unknown build state %q", raw)
}

// Build captures one attempted deployment of one branch of one site.
// Builds are an audit trail: they are mutated only through guarded state
// transitions and never deleted.
type Build struct {
	ID                 string
	SiteID             string
	UserID             *string
	Username           string
	Branch             string
	RequestedCommitSha string
	ClonedCommitSha    string
	State              BuildState
	Error              string
	Token              string
	SourceOwner        string
	SourceRepo         string
	StartedAt          time.Time
	CompletedAt        *time.Time
	UpdatedAt          time.Time
}

// BuildTransition describes one guarded state change.
type BuildTransition struct {
	Target          BuildState
	Error           string
	ClonedCommitSha string
	CompletedAt     *time.Time
}

const (
	maxBranchLength = 299
	shortErrorLimit = 80
)

var (
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+(/[A-Za-z0-9_.\-]+)*$`)
	shaPattern    = regexp.MustCompile(`^[a-f0-9]{40}$`)
)

// ValidateBranch enforces the branch naming contract: required, at most 299
// characters, word characters with dots and hyphens, slash-separated segments
// with no leading or trailing slash.
func ValidateBranch(branch string) error {
	if branch == "" {
		return errors.New("branch is required")
	}
	if len(branch) > maxBranchLength {
		return fmt.Errorf("branch exceeds %d characters", maxBranchLength)
	}
	if strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/") {
		return errors.New("branch must not start or end with a slash")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch %q contains invalid characters", branch)
	}
	return nil
}

// ValidateCommitSha checks a commit sha is 40 lowercase hex characters.
// Empty is allowed since shas are optional until the worker reports back.
func ValidateCommitSha(sha string) error {
	if sha == "" {
		return nil
	}
	if !shaPattern.MatchString(sha) {
		return fmt.Errorf("commit sha %q is not a hex sha", sha)
	}
	return nil
}

// ShortError returns the error message truncated for display.
func (b Build) ShortError() string {
	if len(b.Error) <= shortErrorLimit {
		return b.Error
	}
	return b.Error[:shortErrorLimit]
}
