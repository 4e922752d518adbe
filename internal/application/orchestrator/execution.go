package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aescanero/dagci/internal/application/executor"
	"github.com/aescanero/dagci/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errSuperseded = errors.New("superseded by a newer run")
	errCancelled  = errors.New("cancelled by request")
	errShutdown   = errors.New("orchestrator shutting down")
)

// execution holds the live state of one run. The run record is only
// touched under mu, and every change is persisted before mu is released so
// the store never goes backwards.
type execution struct {
	runID     string
	groupKey  string
	manager   *Manager
	instances []*instance

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	run       *domain.Run
	cancelled bool
	finished  bool
}

// requestCancel cancels the run with cause. It reports false if the run
// already finished.
func (e *execution) requestCancel(cause error) bool {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return false
	}
	e.cancelled = true
	e.mu.Unlock()

	e.cancel(cause)
	return true
}

// supersede marks the run as replaced by newer and cancels it.
func (e *execution) supersede(newer string) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	if e.run.SupersededBy == "" {
		e.run.SupersededBy = newer
	}
	e.mu.Unlock()

	e.cancel(errSuperseded)
}

// snapshot returns a copy of the run record.
func (e *execution) snapshot() *domain.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Clone()
}

// update applies fn to the run and persists the result.
func (e *execution) update(fn func(run *domain.Run)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(e.run)
	e.manager.persist(e.run)
}

func (e *execution) job(id string) *domain.JobInstance {
	return e.run.Job(id)
}

// JobStarted implements executor.Reporter
func (e *execution) JobStarted(jobID string) {
	now := time.Now()
	var name string
	e.update(func(run *domain.Run) {
		job := e.job(jobID)
		job.Status = domain.JobRunning
		job.StartedAt = &now
		name = job.Name
	})

	e.manager.publish(domain.TopicJobs, domain.EventTypeJobStarted, e.runID, jobID, map[string]interface{}{
		"name": name,
	})
}

// StepStarted implements executor.Reporter
func (e *execution) StepStarted(jobID string, index int, at time.Time) {
	var name string
	e.update(func(run *domain.Run) {
		step := e.job(jobID).Steps[index]
		step.Status = domain.StepRunning
		step.StartedAt = &at
		name = step.Name
	})

	e.manager.publish(domain.TopicJobs, domain.EventTypeStepStarted, e.runID, jobID, map[string]interface{}{
		"index": index,
		"name":  name,
	})
}

// StepFinished implements executor.Reporter
func (e *execution) StepFinished(jobID string, o executor.StepOutcome) {
	var name string
	e.update(func(run *domain.Run) {
		step := e.job(jobID).Steps[o.Index]
		step.Status = o.Status
		step.ExitCode = o.ExitCode
		step.Log = o.Log
		if o.Err != nil {
			step.Error = o.Err.Error()
		}
		if !o.CompletedAt.IsZero() {
			completed := o.CompletedAt
			step.CompletedAt = &completed
		}
		name = step.Name
	})

	data := map[string]interface{}{
		"index":  o.Index,
		"name":   name,
		"status": string(o.Status),
	}
	if o.Status == domain.StepFailed {
		data["exit_code"] = o.ExitCode
	}
	e.manager.publish(domain.TopicJobs, domain.EventTypeStepCompleted, e.runID, jobID, data)
}

// JobFinished implements executor.Reporter
func (e *execution) JobFinished(jobID string, status domain.JobStatus, err error) {
	now := time.Now()
	var name string
	e.update(func(run *domain.Run) {
		job := e.job(jobID)
		job.Status = status
		job.CompletedAt = &now
		if err != nil {
			job.Error = err.Error()
		}
		name = job.Name
	})

	e.manager.publish(domain.TopicJobs, domain.EventTypeJobCompleted, e.runID, jobID, map[string]interface{}{
		"name":   name,
		"status": string(status),
	})
}

// abandonJob finishes a job instance that never ran, marking its steps
// skipped.
func (e *execution) abandonJob(jobID string, status domain.JobStatus, reason string) {
	now := time.Now()
	var name string
	e.update(func(run *domain.Run) {
		job := e.job(jobID)
		job.Status = status
		job.Error = reason
		job.CompletedAt = &now
		for _, s := range job.Steps {
			s.Status = domain.StepSkipped
		}
		name = job.Name
	})

	e.manager.logger.Info("job not run",
		zap.String("run_id", e.runID),
		zap.String("job", name),
		zap.String("status", string(status)),
		zap.String("reason", reason))

	if e.manager.metrics != nil {
		e.manager.metrics.RecordJobCompleted(name, status, 0)
	}
	e.manager.publish(domain.TopicJobs, domain.EventTypeJobCompleted, e.runID, jobID, map[string]interface{}{
		"name":   name,
		"status": string(status),
		"reason": reason,
	})
}

// crashJob fails a job whose execution died before reporting a terminal
// status. Steps still running are failed and the rest skipped. It returns
// the job's final status.
func (e *execution) crashJob(jobID string, err error) domain.JobStatus {
	var (
		name     string
		status   domain.JobStatus
		terminal bool
	)
	e.update(func(run *domain.Run) {
		job := e.job(jobID)
		name = job.Name
		if job.Status.IsTerminal() {
			terminal = true
			status = job.Status
			return
		}
		status = domain.JobFailed
		now := time.Now()
		job.Status = domain.JobFailed
		job.Error = err.Error()
		job.CompletedAt = &now
		for _, s := range job.Steps {
			switch s.Status {
			case domain.StepRunning:
				s.Status = domain.StepFailed
				s.Error = err.Error()
				s.CompletedAt = &now
			case domain.StepPending:
				s.Status = domain.StepSkipped
			}
		}
	})
	if terminal {
		return status
	}

	e.manager.logger.Error("job crashed",
		zap.String("run_id", e.runID),
		zap.String("job", name),
		zap.Error(err))

	if e.manager.metrics != nil {
		e.manager.metrics.RecordJobCompleted(name, domain.JobFailed, 0)
	}
	e.manager.publish(domain.TopicJobs, domain.EventTypeJobCompleted, e.runID, jobID, map[string]interface{}{
		"name":   name,
		"status": string(domain.JobFailed),
		"reason": err.Error(),
	})
	return status
}

func newEventID() string {
	return uuid.New().String()
}
