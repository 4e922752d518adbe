package domain

import "time"

// EventType identifies a run lifecycle event.
type EventType string

const (
	EventTypeRunStarted    EventType = "run.started"
	EventTypeRunCompleted  EventType = "run.completed"
	EventTypeRunFailed     EventType = "run.failed"
	EventTypeRunCancelled  EventType = "run.cancelled"
	EventTypeJobStarted    EventType = "job.started"
	EventTypeJobCompleted  EventType = "job.completed"
	EventTypeStepStarted   EventType = "step.started"
	EventTypeStepCompleted EventType = "step.completed"
)

// Topics events are published on.
const (
	TopicRuns = "run.events"
	TopicJobs = "job.events"
)

// Event is published on the event bus as a run progresses.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	JobID     string                 `json:"job_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
