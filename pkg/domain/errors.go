package domain

import "errors"

var (
	// ErrTriggerMismatch reports that an event does not match a workflow's
	// trigger filters. Callers treat it as a no-op, never as a failure.
	ErrTriggerMismatch = errors.New("trigger does not match workflow filters")

	// ErrInvalidTrigger reports a malformed trigger event.
	ErrInvalidTrigger = errors.New("invalid trigger")

	ErrRunNotFound      = errors.New("run not found")
	ErrRunTerminal      = errors.New("run already in terminal state")
	ErrRunActive        = errors.New("run still in progress")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrActionNotFound   = errors.New("action not registered")

	// ErrCacheMiss is returned by caches when no entry exists for a key.
	ErrCacheMiss = errors.New("cache miss")
)
