package domain

import (
	"maps"
	"time"
)

// Run is one end-to-end execution of a workflow for a single trigger.
type Run struct {
	ID           string           `json:"id"`
	Workflow     string           `json:"workflow"`
	Trigger      RunTrigger       `json:"trigger"`
	Concurrency  ConcurrencyGroup `json:"concurrency"`
	Status       RunStatus        `json:"status"`
	Jobs         []*JobInstance   `json:"jobs"`
	Error        string           `json:"error,omitempty"`
	SupersededBy string           `json:"superseded_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// JobInstance is a job bound to one matrix cell.
type JobInstance struct {
	ID          string            `json:"id"`
	JobID       string            `json:"job_id"`
	Name        string            `json:"name"`
	Matrix      map[string]string `json:"matrix,omitempty"`
	RunsOn      string            `json:"runs_on,omitempty"`
	Status      JobStatus         `json:"status"`
	Steps       []*StepState      `json:"steps"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// StepState records the progress and output of one step.
type StepState struct {
	Name        string     `json:"name"`
	Uses        string     `json:"uses,omitempty"`
	Command     string     `json:"command,omitempty"`
	Status      StepStatus `json:"status"`
	ExitCode    int        `json:"exit_code,omitempty"`
	Log         string     `json:"log,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepExecution is one step of a finished job instance as kept in run
// history.
type StepExecution struct {
	RunID      string     `json:"run_id"`
	JobID      string     `json:"job_id"`
	JobName    string     `json:"job_name"`
	Position   int        `json:"position"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Command    string     `json:"command,omitempty"`
	Output     string     `json:"output,omitempty"`
	ExitCode   int        `json:"exit_code"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job returns the job instance with the given ID, or nil.
func (r *Run) Job(id string) *JobInstance {
	for _, j := range r.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.Jobs = make([]*JobInstance, len(r.Jobs))
	for i, j := range r.Jobs {
		jc := *j
		jc.Matrix = maps.Clone(j.Matrix)
		jc.StartedAt = cloneTime(j.StartedAt)
		jc.CompletedAt = cloneTime(j.CompletedAt)
		jc.Steps = make([]*StepState, len(j.Steps))
		for k, s := range j.Steps {
			sc := *s
			sc.StartedAt = cloneTime(s.StartedAt)
			sc.CompletedAt = cloneTime(s.CompletedAt)
			jc.Steps[k] = &sc
		}
		c.Jobs[i] = &jc
	}
	return &c
}

// Duration returns how long the run took, or has been running.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// RunResult is the aggregate outcome of a run.
type RunResult struct {
	RunID  string               `json:"run_id"`
	Status RunStatus            `json:"status"`
	Jobs   map[string]JobStatus `json:"jobs"`
}

// Result summarizes the run's job outcomes keyed by job instance name.
func (r *Run) Result() RunResult {
	res := RunResult{RunID: r.ID, Status: r.Status, Jobs: make(map[string]JobStatus, len(r.Jobs))}
	for _, j := range r.Jobs {
		res.Jobs[j.Name] = j.Status
	}
	return res
}

// AggregateStatus folds job outcomes into a run status. A superseded run is
// Cancelled whatever its jobs did; otherwise the run succeeds only when every
// job instance that was not cancelled succeeded.
func AggregateStatus(jobs []*JobInstance, superseded bool) RunStatus {
	if superseded {
		return RunCancelled
	}
	cancelled := 0
	for _, j := range jobs {
		switch j.Status {
		case JobSucceeded:
		case JobCancelled:
			cancelled++
		default:
			return RunFailed
		}
	}
	if cancelled > 0 && cancelled == len(jobs) {
		return RunCancelled
	}
	return RunSucceeded
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
