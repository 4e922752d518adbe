package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"go.uber.org/zap"
)

const defaultLogLimit = 1 << 20

// StepOutcome is the result of one step.
type StepOutcome struct {
	Index       int
	Status      domain.StepStatus
	ExitCode    int
	Log         string
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Reporter receives progress for a job instance. Calls for one job are made
// from a single goroutine in order.
type Reporter interface {
	JobStarted(jobID string)
	StepStarted(jobID string, index int, at time.Time)
	StepFinished(jobID string, outcome StepOutcome)
	JobFinished(jobID string, status domain.JobStatus, err error)
}

// Config holds executor settings
type Config struct {
	// WorkspaceRoot is where job workspaces are created; empty uses the
	// system temp directory.
	WorkspaceRoot  string
	KeepWorkspaces bool
	// JobTimeout applies when a job sets no timeout of its own.
	JobTimeout time.Duration
	// StepTimeout applies when a step sets no timeout of its own. Zero
	// leaves steps bounded by the job timeout only.
	StepTimeout time.Duration
	// LogLimit caps the captured output per step.
	LogLimit int
}

// Executor runs job instances
type Executor struct {
	commands ports.CommandRunner
	actions  ports.ActionRunner
	metrics  ports.MetricsCollector
	config   Config
	logger   *zap.Logger
}

// New creates an executor
func New(commands ports.CommandRunner, actions ports.ActionRunner, metrics ports.MetricsCollector, config Config, logger *zap.Logger) *Executor {
	if config.LogLimit <= 0 {
		config.LogLimit = defaultLogLimit
	}
	return &Executor{
		commands: commands,
		actions:  actions,
		metrics:  metrics,
		config:   config,
		logger:   logger,
	}
}

// Execute runs plan and returns the job's terminal status. Progress is
// reported to rep as it happens.
func (e *Executor) Execute(ctx context.Context, plan *JobPlan, rep Reporter) domain.JobStatus {
	start := time.Now()
	logger := e.logger.With(
		zap.String("run_id", plan.RunID),
		zap.String("job_id", plan.JobID),
		zap.String("job", plan.JobName))

	rep.JobStarted(plan.JobID)

	timeout := plan.Timeout
	if timeout <= 0 {
		timeout = e.config.JobTimeout
	}
	jobCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	workspace, err := e.provision(plan)
	if err != nil {
		logger.Error("failed to provision workspace", zap.Error(err))
		e.skipFrom(plan, rep, 0)
		return e.finish(plan, rep, domain.JobFailed, fmt.Errorf("failed to provision workspace: %w", err), start)
	}
	if !e.config.KeepWorkspaces {
		defer func() {
			if err := os.RemoveAll(workspace); err != nil {
				logger.Warn("failed to remove workspace", zap.String("workspace", workspace), zap.Error(err))
			}
		}()
	}

	logger.Info("job started",
		zap.String("workspace", workspace),
		zap.Int("steps", len(plan.Steps)))

	var (
		posts  []ports.PostAction
		jobErr error
	)

	for i, step := range plan.Steps {
		if jobCtx.Err() != nil {
			e.skipFrom(plan, rep, i)
			jobErr = interruption(ctx, jobCtx, jobCtx, timeout, 0)
			break
		}

		outcome, post := e.runStep(ctx, jobCtx, timeout, plan, i, step, workspace, rep)
		if post != nil {
			posts = append(posts, post)
		}
		if outcome.Status != domain.StepSucceeded {
			jobErr = fmt.Errorf("step %q failed: %w", step.Name, outcome.Err)
			e.skipFrom(plan, rep, i+1)
			break
		}
	}

	status := domain.JobSucceeded
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status = domain.JobCancelled
	case jobErr != nil:
		status = domain.JobFailed
	}

	if status != domain.JobCancelled {
		e.runPostActions(ctx, plan, workspace, posts, status == domain.JobSucceeded, logger)
	}

	return e.finish(plan, rep, status, jobErr, start)
}

// runStep executes step i and reports its outcome.
func (e *Executor) runStep(ctx, jobCtx context.Context, jobTimeout time.Duration, plan *JobPlan, i int, step PlannedStep, workspace string, rep Reporter) (StepOutcome, ports.PostAction) {
	started := time.Now()
	rep.StepStarted(plan.JobID, i, started)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.config.StepTimeout
	}
	stepCtx, cancel := withTimeout(jobCtx, timeout)
	defer cancel()

	out := &logBuffer{limit: e.config.LogLimit}
	env := e.stepEnv(plan, step, workspace, out)

	var (
		code int
		post ports.PostAction
		err  error
	)
	if step.WorkingDir != "" {
		err = os.MkdirAll(env.WorkDir, 0o755)
	}
	if err == nil {
		code, post, err = e.invoke(stepCtx, step.Runnable, env)
	}

	outcome := StepOutcome{
		Index:       i,
		Status:      domain.StepSucceeded,
		ExitCode:    code,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err != nil || stepCtx.Err() != nil {
		outcome.Status = domain.StepFailed
		if cerr := interruption(ctx, jobCtx, stepCtx, jobTimeout, timeout); cerr != nil {
			err = cerr
		}
		outcome.Err = err
		fmt.Fprintf(out, "\n%s\n", err)
	}
	outcome.Log = out.String()

	e.logger.Info("step finished",
		zap.String("run_id", plan.RunID),
		zap.String("job", plan.JobName),
		zap.Int("index", i),
		zap.String("step", step.Name),
		zap.String("status", string(outcome.Status)),
		zap.Int("exit_code", code),
		zap.Duration("duration", outcome.CompletedAt.Sub(started)),
		zap.Error(outcome.Err))

	if e.metrics != nil {
		e.metrics.RecordStepCompleted(step.Runnable.Kind(), outcome.Status, outcome.CompletedAt.Sub(started))
	}
	rep.StepFinished(plan.JobID, outcome)

	if outcome.Status != domain.StepSucceeded {
		return outcome, nil
	}
	return outcome, post
}

// invoke runs r, turning a panic in the step body into a step error.
func (e *Executor) invoke(ctx context.Context, r Runnable, env *ports.StepEnv) (code int, post ports.PostAction, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("step panicked",
				zap.String("run_id", env.RunID),
				zap.String("job_id", env.JobID),
				zap.String("step", r.Describe()),
				zap.Any("panic", p))
			code, post, err = 1, nil, fmt.Errorf("step panicked: %v", p)
		}
	}()
	return r.execute(ctx, e, env)
}

// stepEnv builds the environment for a step: the default CI variables,
// then job env, then step env.
func (e *Executor) stepEnv(plan *JobPlan, step PlannedStep, workspace string, out *logBuffer) *ports.StepEnv {
	vars := map[string]string{
		"CI":                "true",
		"GITHUB_ACTIONS":    "true",
		"GITHUB_WORKSPACE":  workspace,
		"GITHUB_RUN_ID":     plan.RunID,
		"GITHUB_JOB":        plan.JobID,
		"GITHUB_EVENT_NAME": string(plan.Trigger.Event),
		"GITHUB_REF_NAME":   plan.Trigger.RefName(),
		"GITHUB_SHA":        plan.Trigger.SHA,
		"GITHUB_REPOSITORY": plan.Trigger.Repository,
	}
	if plan.Trigger.Event == domain.EventPullRequest {
		vars["GITHUB_BASE_REF"] = plan.Trigger.TargetBranch
		vars["GITHUB_PR_NUMBER"] = strconv.Itoa(plan.Trigger.PullRequest)
	}
	maps.Copy(vars, plan.Env)
	maps.Copy(vars, step.Env)

	workDir := workspace
	if step.WorkingDir != "" {
		workDir = filepath.Join(workspace, step.WorkingDir)
	}

	return &ports.StepEnv{
		RunID:     plan.RunID,
		JobID:     plan.JobID,
		JobName:   plan.JobName,
		Workspace: workspace,
		WorkDir:   workDir,
		Env:       vars,
		Matrix:    maps.Clone(plan.Matrix),
		Trigger:   plan.Trigger,
		Output:    out,
	}
}

// runPostActions runs post actions last-registered first.
func (e *Executor) runPostActions(ctx context.Context, plan *JobPlan, workspace string, posts []ports.PostAction, succeeded bool, logger *zap.Logger) {
	if len(posts) == 0 {
		return
	}
	out := &logBuffer{limit: e.config.LogLimit}
	env := e.stepEnv(plan, PlannedStep{}, workspace, out)

	for i := len(posts) - 1; i >= 0; i-- {
		if err := posts[i](ctx, env, succeeded); err != nil {
			logger.Warn("post action failed", zap.Error(err))
		}
	}
	if s := out.String(); s != "" {
		logger.Debug("post actions output", zap.String("output", s))
	}
}

// provision creates the job's fresh workspace.
func (e *Executor) provision(plan *JobPlan) (string, error) {
	root := e.config.WorkspaceRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", err
		}
	}
	return os.MkdirTemp(root, "dagci-"+plan.JobID+"-")
}

// skipFrom reports steps from index on as skipped.
func (e *Executor) skipFrom(plan *JobPlan, rep Reporter, from int) {
	for i := from; i < len(plan.Steps); i++ {
		rep.StepFinished(plan.JobID, StepOutcome{Index: i, Status: domain.StepSkipped})
		if e.metrics != nil {
			e.metrics.RecordStepCompleted(plan.Steps[i].Runnable.Kind(), domain.StepSkipped, 0)
		}
	}
}

func (e *Executor) finish(plan *JobPlan, rep Reporter, status domain.JobStatus, err error, start time.Time) domain.JobStatus {
	e.logger.Info("job finished",
		zap.String("run_id", plan.RunID),
		zap.String("job", plan.JobName),
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))

	if e.metrics != nil {
		e.metrics.RecordJobCompleted(plan.JobName, status, time.Since(start))
	}
	rep.JobFinished(plan.JobID, status, err)
	return status
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// interruption explains why step ended early. It returns nil while step is
// live.
func interruption(run, job, step context.Context, jobTimeout, stepTimeout time.Duration) error {
	switch {
	case step.Err() == nil:
		return nil
	case errors.Is(run.Err(), context.Canceled):
		return fmt.Errorf("interrupted: %w", context.Canceled)
	case run.Err() != nil:
		return fmt.Errorf("run timed out: %w", run.Err())
	case job.Err() != nil:
		return fmt.Errorf("job timed out after %s: %w", jobTimeout, context.DeadlineExceeded)
	default:
		return fmt.Errorf("step timed out after %s: %w", stepTimeout, context.DeadlineExceeded)
	}
}

// logBuffer captures step output up to limit bytes.
type logBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}
