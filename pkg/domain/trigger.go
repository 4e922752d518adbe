package domain

import (
	"fmt"
	"time"
)

// EventKind is the version-control event that may start a run.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Valid reports whether k is a supported event kind.
func (k EventKind) Valid() bool {
	return k == EventPush || k == EventPullRequest
}

// RunTrigger is an incoming version-control event. For a push, TargetBranch
// is the pushed branch; for a pull request it is the base branch the pull
// request targets.
type RunTrigger struct {
	Event        EventKind `json:"event"`
	TargetBranch string    `json:"target_branch"`
	Ref          string    `json:"ref,omitempty"`
	PullRequest  int       `json:"pull_request,omitempty"`
	SHA          string    `json:"sha,omitempty"`
	Repository   string    `json:"repository,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// RefName returns the ref the run builds, defaulting to the target branch.
func (t RunTrigger) RefName() string {
	if t.Ref != "" {
		return t.Ref
	}
	return t.TargetBranch
}

// Validate checks the trigger is well formed.
func (t RunTrigger) Validate() error {
	if !t.Event.Valid() {
		return fmt.Errorf("%w: unsupported event %q", ErrInvalidTrigger, t.Event)
	}
	if t.TargetBranch == "" {
		return fmt.Errorf("%w: target branch is required", ErrInvalidTrigger)
	}
	if t.Event == EventPullRequest && t.PullRequest <= 0 {
		return fmt.Errorf("%w: pull_request event requires a pull request number", ErrInvalidTrigger)
	}
	return nil
}

// ConcurrencyGroup identifies runs that supersede each other.
type ConcurrencyGroup struct {
	Key              string `json:"key"`
	CancelInProgress bool   `json:"cancel_in_progress"`
}
