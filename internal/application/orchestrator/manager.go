package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagci/internal/application/executor"
	"github.com/aescanero/dagci/internal/application/trigger"
	"github.com/aescanero/dagci/internal/application/workers"
	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/aescanero/dagci/pkg/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobExecutor runs one job instance to completion.
type JobExecutor interface {
	Execute(ctx context.Context, plan *executor.JobPlan, rep executor.Reporter) domain.JobStatus
}

// TaskSubmitter hands work to the worker pool.
type TaskSubmitter interface {
	Submit(ctx context.Context, task workers.Task) error
}

// Config holds scheduler settings
type Config struct {
	// RunTimeout bounds a whole run; zero disables it.
	RunTimeout time.Duration
}

// Manager coordinates run execution
type Manager struct {
	resolver  *trigger.Resolver
	validator *Validator
	executor  JobExecutor
	pool      TaskSubmitter
	store     ports.RunStore
	eventBus  ports.EventBus
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	config    Config

	wfMu      sync.RWMutex
	workflows []*workflow.Workflow

	groups     *groupRegistry
	executions sync.Map // map[string]*execution
	active     atomic.Int64
	wg         sync.WaitGroup
}

// NewManager creates a new orchestrator manager. metrics may be nil.
func NewManager(
	resolver *trigger.Resolver,
	validator *Validator,
	exec JobExecutor,
	pool TaskSubmitter,
	store ports.RunStore,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	config Config,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		resolver:  resolver,
		validator: validator,
		executor:  exec,
		pool:      pool,
		store:     store,
		eventBus:  eventBus,
		metrics:   metrics,
		logger:    logger,
		config:    config,
		groups:    newGroupRegistry(),
	}
}

// SetWorkflows validates and installs the workflows triggers are matched
// against. Each workflow is independent of the others, even when two share
// a name: their concurrency groups never collide.
func (m *Manager) SetWorkflows(ws []*workflow.Workflow) error {
	for _, w := range ws {
		if err := m.validator.Validate(w); err != nil {
			return fmt.Errorf("workflow %s: %w", w.Path, err)
		}
	}

	m.wfMu.Lock()
	m.workflows = ws
	m.wfMu.Unlock()

	m.logger.Info("workflows loaded", zap.Int("count", len(ws)))
	return nil
}

// Workflows returns the loaded workflows
func (m *Manager) Workflows() []*workflow.Workflow {
	m.wfMu.RLock()
	defer m.wfMu.RUnlock()
	return append([]*workflow.Workflow(nil), m.workflows...)
}

// Submit starts a run for every workflow whose filters admit t. When none
// does it returns domain.ErrTriggerMismatch and nothing is recorded. Every
// workflow is resolved before any run starts, so a resolution error starts
// nothing. If some runs fail to start, the runs that did start are returned
// together with the error.
func (m *Manager) Submit(ctx context.Context, t domain.RunTrigger) ([]*domain.Run, error) {
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now()
	}

	var admissions []*trigger.Admission
	for _, w := range m.Workflows() {
		adm, err := m.resolver.Resolve(w, t)
		if errors.Is(err, domain.ErrTriggerMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		admissions = append(admissions, adm)
	}

	if len(admissions) == 0 {
		if m.metrics != nil {
			m.metrics.RecordTriggerIgnored(string(t.Event))
		}
		m.logger.Info("trigger ignored",
			zap.String("event", string(t.Event)),
			zap.String("branch", t.TargetBranch))
		return nil, fmt.Errorf("%w: %s on %s", domain.ErrTriggerMismatch, t.Event, t.TargetBranch)
	}

	var (
		runs []*domain.Run
		errs []error
	)
	for _, adm := range admissions {
		run, err := m.startRun(ctx, adm)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", adm.Workflow.ID(), err))
			continue
		}
		runs = append(runs, run)
	}

	return runs, errors.Join(errs...)
}

// SubmitWorkflow resolves t against one workflow, named by its file path
// or, when unambiguous, by its name.
func (m *Manager) SubmitWorkflow(ctx context.Context, name string, t domain.RunTrigger) (*domain.Run, error) {
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now()
	}

	w, err := m.findWorkflow(name)
	if err != nil {
		return nil, err
	}

	adm, err := m.resolver.Resolve(w, t)
	if err != nil {
		if errors.Is(err, domain.ErrTriggerMismatch) && m.metrics != nil {
			m.metrics.RecordTriggerIgnored(string(t.Event))
		}
		return nil, err
	}
	return m.startRun(ctx, adm)
}

func (m *Manager) findWorkflow(name string) (*workflow.Workflow, error) {
	var byName []*workflow.Workflow
	for _, w := range m.Workflows() {
		if w.Path != "" && w.Path == name {
			return w, nil
		}
		if w.ID() == name {
			byName = append(byName, w)
		}
	}

	switch len(byName) {
	case 0:
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, name)
	case 1:
		return byName[0], nil
	default:
		return nil, fmt.Errorf("workflow name %q is ambiguous, use the file path", name)
	}
}

// startRun records a new run, supersedes older runs in its concurrency
// group and starts dispatching its jobs.
func (m *Manager) startRun(ctx context.Context, adm *trigger.Admission) (*domain.Run, error) {
	runID := uuid.New().String()
	jobs, instances := planRun(runID, adm)

	now := time.Now()
	run := &domain.Run{
		ID:          runID,
		Workflow:    adm.Workflow.ID(),
		Trigger:     adm.Trigger,
		Concurrency: adm.Group,
		Status:      domain.RunRunning,
		Jobs:        jobs,
		CreatedAt:   now,
		StartedAt:   &now,
	}

	if err := m.store.SaveRun(ctx, run); err != nil {
		m.logger.Error("failed to save initial run",
			zap.String("run_id", runID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	if m.config.RunTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, m.config.RunTimeout)
		parent := cancel
		cancel = func(cause error) {
			parent(cause)
			stop()
		}
	}

	exec := &execution{
		runID:     runID,
		groupKey:  groupKey(adm),
		manager:   m,
		instances: instances,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		run:       run,
	}
	m.executions.Store(runID, exec)
	m.setActive(m.active.Add(1))

	for _, victim := range m.groups.acquire(exec.groupKey, exec, adm.Group.CancelInProgress) {
		m.logger.Info("superseding run",
			zap.String("run_id", victim.runID),
			zap.String("superseded_by", runID),
			zap.String("concurrency_key", adm.Group.Key))
		victim.supersede(runID)
		if m.metrics != nil {
			m.metrics.RecordRunSuperseded(adm.Workflow.ID())
		}
	}

	if m.metrics != nil {
		m.metrics.RecordRunSubmitted(run.Workflow, string(adm.Trigger.Event))
	}
	m.publish(domain.TopicRuns, domain.EventTypeRunStarted, runID, "", map[string]interface{}{
		"workflow":        run.Workflow,
		"event":           string(adm.Trigger.Event),
		"ref":             adm.Trigger.RefName(),
		"concurrency_key": adm.Group.Key,
		"jobs":            len(jobs),
	})

	m.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("workflow", run.Workflow),
		zap.String("concurrency_key", adm.Group.Key),
		zap.Int("job_instances", len(jobs)))

	snapshot := run.Clone()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch(exec)
	}()

	return snapshot, nil
}

// groupKey scopes a concurrency key to the workflow file that declared it.
func groupKey(adm *trigger.Admission) string {
	if adm.Workflow.Path == "" {
		return adm.Group.Key
	}
	return adm.Workflow.Path + "\x00" + adm.Group.Key
}

type jobResult struct {
	id     string
	status domain.JobStatus
}

// dispatch submits job instances to the pool as their needs complete and
// waits for all of them. Instances whose needs did not all succeed are
// skipped; instances not yet started when the run ends are abandoned.
func (m *Manager) dispatch(exec *execution) {
	defer m.finalize(exec)

	results := make(chan jobResult, len(exec.instances))
	statuses := make(map[string]domain.JobStatus, len(exec.instances))
	started := make(map[string]bool, len(exec.instances))
	remaining := len(exec.instances)

	byJob := make(map[string][]string)
	for _, inst := range exec.instances {
		byJob[inst.jobID] = append(byJob[inst.jobID], inst.id)
	}

	// ready reports whether every instance inst needs has finished, and
	// whether they all succeeded.
	ready := func(inst *instance) (bool, bool) {
		ok := true
		for _, need := range inst.needs {
			for _, id := range byJob[need] {
				st, done := statuses[id]
				if !done {
					return false, false
				}
				if st != domain.JobSucceeded {
					ok = false
				}
			}
		}
		return true, ok
	}

	for remaining > 0 {
		for progressed := true; progressed; {
			progressed = false
			for _, inst := range exec.instances {
				if started[inst.id] {
					continue
				}
				isReady, needsOK := ready(inst)
				if !isReady {
					continue
				}
				started[inst.id] = true
				progressed = true

				if !needsOK {
					exec.abandonJob(inst.id, domain.JobSkipped, "a needed job did not succeed")
					statuses[inst.id] = domain.JobSkipped
					remaining--
					continue
				}

				if err := m.submitJob(exec, inst, results); err != nil {
					status := abandonedStatus(exec.ctx)
					exec.abandonJob(inst.id, status, err.Error())
					statuses[inst.id] = status
					remaining--
				}
			}
		}

		if remaining == 0 {
			break
		}
		r := <-results
		statuses[r.id] = r.status
		remaining--
	}
}

// submitJob hands inst to the worker pool.
func (m *Manager) submitJob(exec *execution, inst *instance, results chan<- jobResult) error {
	if err := exec.ctx.Err(); err != nil {
		return fmt.Errorf("run ended before job started: %w", context.Cause(exec.ctx))
	}

	task := workers.Task{
		ID: exec.runID + "/" + inst.id,
		Run: func() {
			status := domain.JobFailed
			defer func() {
				if p := recover(); p != nil {
					status = exec.crashJob(inst.id, fmt.Errorf("job panicked: %v", p))
				}
				results <- jobResult{id: inst.id, status: status}
			}()
			status = m.executor.Execute(exec.ctx, inst.plan, exec)
		},
	}

	if err := m.pool.Submit(exec.ctx, task); err != nil {
		if exec.ctx.Err() != nil {
			return fmt.Errorf("run ended before job started: %w", context.Cause(exec.ctx))
		}
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

// abandonedStatus is the status of a job that never started.
func abandonedStatus(ctx context.Context) domain.JobStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.JobFailed
	}
	return domain.JobCancelled
}

// finalize computes the run's terminal status, persists it and releases its
// concurrency group slot.
func (m *Manager) finalize(exec *execution) {
	now := time.Now()
	var run *domain.Run

	exec.update(func(r *domain.Run) {
		exec.finished = true

		r.Status = domain.AggregateStatus(r.Jobs, exec.cancelled)
		switch {
		case r.SupersededBy != "":
			r.Error = fmt.Sprintf("superseded by run %s", r.SupersededBy)
		case exec.cancelled:
			r.Error = context.Cause(exec.ctx).Error()
		case errors.Is(exec.ctx.Err(), context.DeadlineExceeded):
			r.Status = domain.RunFailed
			r.Error = fmt.Sprintf("run timed out after %s", m.config.RunTimeout)
			m.logger.Warn("run timed out",
				zap.String("run_id", r.ID),
				zap.Duration("timeout", m.config.RunTimeout))
		}
		r.CompletedAt = &now
		run = r.Clone()
	})

	exec.cancel(nil)
	m.groups.release(exec.groupKey, exec)
	m.executions.Delete(exec.runID)
	m.setActive(m.active.Add(-1))
	close(exec.done)

	eventType := domain.EventTypeRunCompleted
	switch run.Status {
	case domain.RunFailed:
		eventType = domain.EventTypeRunFailed
	case domain.RunCancelled:
		eventType = domain.EventTypeRunCancelled
	}
	data := map[string]interface{}{
		"status": string(run.Status),
		"result": run.Result().Jobs,
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	m.publish(domain.TopicRuns, eventType, run.ID, "", data)

	if m.metrics != nil {
		m.metrics.RecordRunCompleted(run.Workflow, run.Status, run.Duration())
	}

	m.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Workflow),
		zap.String("status", string(run.Status)),
		zap.Duration("duration", run.Duration()))
}

// GetRun returns the current state of a run
func (m *Manager) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	if val, ok := m.executions.Load(runID); ok {
		return val.(*execution).snapshot(), nil
	}
	return m.store.GetRun(ctx, runID)
}

// ListRuns returns recorded runs, newest first
func (m *Manager) ListRuns(ctx context.Context, filter ports.RunFilter) ([]*domain.Run, error) {
	return m.store.ListRuns(ctx, filter)
}

// CancelRun cancels an in-progress run
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	val, ok := m.executions.Load(runID)
	if !ok {
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", domain.ErrRunTerminal, run.Status)
	}

	if !val.(*execution).requestCancel(errCancelled) {
		return fmt.Errorf("%w: %s", domain.ErrRunTerminal, runID)
	}

	m.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// DeleteRun removes a finished run from history. Runs still in progress
// are rejected with domain.ErrRunActive.
func (m *Manager) DeleteRun(ctx context.Context, runID string) error {
	if _, ok := m.executions.Load(runID); ok {
		return fmt.Errorf("%w: %s", domain.ErrRunActive, runID)
	}
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return err
	}
	if err := m.store.DeleteRun(ctx, runID); err != nil {
		return err
	}

	m.logger.Info("run deleted", zap.String("run_id", runID))
	return nil
}

// StepExecutions returns the steps of a run ordered by job name and
// position. Stores that keep step rows answer directly; otherwise the
// steps are read from the run document.
func (m *Manager) StepExecutions(ctx context.Context, runID string) ([]*domain.StepExecution, error) {
	if _, active := m.executions.Load(runID); !active {
		if h, ok := m.store.(ports.StepHistory); ok {
			if _, err := m.store.GetRun(ctx, runID); err != nil {
				return nil, err
			}
			return h.StepExecutions(ctx, runID)
		}
	}

	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return stepExecutions(run), nil
}

func stepExecutions(run *domain.Run) []*domain.StepExecution {
	jobs := slices.Clone(run.Jobs)
	slices.SortStableFunc(jobs, func(a, b *domain.JobInstance) int {
		return strings.Compare(a.Name, b.Name)
	})

	var out []*domain.StepExecution
	for _, j := range jobs {
		for i, s := range j.Steps {
			command := s.Command
			if command == "" {
				command = s.Uses
			}
			out = append(out, &domain.StepExecution{
				RunID:      run.ID,
				JobID:      j.ID,
				JobName:    j.Name,
				Position:   i,
				Name:       s.Name,
				Status:     s.Status,
				Command:    command,
				Output:     s.Log,
				ExitCode:   s.ExitCode,
				StartedAt:  s.StartedAt,
				FinishedAt: s.CompletedAt,
			})
		}
	}
	return out
}

// Wait blocks until the run is terminal and returns its final state
func (m *Manager) Wait(ctx context.Context, runID string) (*domain.Run, error) {
	if val, ok := m.executions.Load(runID); ok {
		select {
		case <-val.(*execution).done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.GetRun(ctx, runID)
}

// ActiveRuns returns the number of runs in progress
func (m *Manager) ActiveRuns() int {
	return int(m.active.Load())
}

// Shutdown cancels every active run and waits for them to finish
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.executions.Range(func(key, value interface{}) bool {
		value.(*execution).requestCancel(errShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("orchestrator manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

func (m *Manager) setActive(n int64) {
	if m.metrics != nil {
		m.metrics.SetActiveRuns(int(n))
	}
}

// persist saves a run snapshot. Storage errors are logged; the in-memory
// execution stays authoritative until the run finishes.
func (m *Manager) persist(run *domain.Run) {
	if err := m.store.SaveRun(context.Background(), run); err != nil {
		m.logger.Error("failed to save run",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}

// publish publishes a lifecycle event
func (m *Manager) publish(topic string, eventType domain.EventType, runID, jobID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := domain.Event{
		ID:        newEventID(),
		Type:      eventType,
		RunID:     runID,
		JobID:     jobID,
		Timestamp: time.Now(),
		Data:      data,
	}

	if err := m.eventBus.Publish(context.Background(), topic, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("run_id", runID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
