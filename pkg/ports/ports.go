package ports

import (
	"context"
	"io"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
)

// EventHandler processes an event delivered by an EventBus.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes run lifecycle events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	// Subscribe registers handler until ctx is cancelled.
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	Workflow string
	Status   domain.RunStatus
	Limit    int
}

// Matches reports whether run passes the filter, ignoring Limit.
func (f RunFilter) Matches(run *domain.Run) bool {
	if f.Workflow != "" && run.Workflow != f.Workflow {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// RunStore persists run snapshots.
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	// GetRun returns domain.ErrRunNotFound when no run has the ID.
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)
	DeleteRun(ctx context.Context, runID string) error
	Close() error
}

// StepHistory is implemented by run stores that keep a row per executed
// step.
type StepHistory interface {
	// StepExecutions returns the recorded steps of a run ordered by job and
	// position.
	StepExecutions(ctx context.Context, runID string) ([]*domain.StepExecution, error)
}

// Cache stores dependency archives shared across runs. Entries are advisory:
// callers must tolerate misses and corrupted data.
type Cache interface {
	// Get returns domain.ErrCacheMiss when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordRunSubmitted(workflow, event string)
	RecordTriggerIgnored(event string)
	RecordRunSuperseded(workflow string)
	RecordRunCompleted(workflow string, status domain.RunStatus, duration time.Duration)
	RecordJobCompleted(job string, status domain.JobStatus, duration time.Duration)
	RecordStepCompleted(kind string, status domain.StepStatus, duration time.Duration)
	RecordCacheLookup(hit bool)
	RecordWorkerPoolStatus(idle, busy, stopped, queued int)
	SetActiveRuns(count int)
}

// StepEnv is the environment a step executes in.
type StepEnv struct {
	RunID     string
	JobID     string
	JobName   string
	Workspace string
	// WorkDir is the step's working directory inside Workspace.
	WorkDir string
	Env     map[string]string
	Matrix  map[string]string
	Trigger domain.RunTrigger
	Output  io.Writer
}

// PostAction runs after every step of a job has finished. succeeded reports
// whether the job succeeded.
type PostAction func(ctx context.Context, env *StepEnv, succeeded bool) error

// CommandRunner executes inline shell commands.
type CommandRunner interface {
	RunCommand(ctx context.Context, env *StepEnv, shell, command string) (exitCode int, err error)
}

// ActionRunner executes reusable actions referenced as owner/name@version.
type ActionRunner interface {
	RunAction(ctx context.Context, env *StepEnv, uses string, inputs map[string]string) (PostAction, error)
}
