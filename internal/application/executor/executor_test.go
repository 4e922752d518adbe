package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"go.uber.org/zap/zaptest"
)

// fakeCommands treats the command text as a script: "fail" exits 1, "block"
// waits for cancellation, anything else succeeds and echoes itself.
type fakeCommands struct {
	mu   sync.Mutex
	envs []*ports.StepEnv
	ran  []string
}

func (f *fakeCommands) RunCommand(ctx context.Context, env *ports.StepEnv, shell, command string) (int, error) {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.ran = append(f.ran, command)
	f.mu.Unlock()

	switch command {
	case "fail":
		fmt.Fprintln(env.Output, "error: lint failed")
		return 1, errors.New("command exited with code 1")
	case "block":
		<-ctx.Done()
		return -1, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	fmt.Fprintln(env.Output, command)
	return 0, nil
}

type fakeActions struct {
	postCalls []bool
}

func (f *fakeActions) RunAction(ctx context.Context, env *ports.StepEnv, uses string, inputs map[string]string) (ports.PostAction, error) {
	switch uses {
	case "missing/action@v1":
		return nil, fmt.Errorf("%w: %s", domain.ErrActionNotFound, uses)
	case "acme/panic@v1":
		panic("action blew up")
	}
	return func(ctx context.Context, env *ports.StepEnv, succeeded bool) error {
		f.postCalls = append(f.postCalls, succeeded)
		return nil
	}, nil
}

type recorder struct {
	mu       sync.Mutex
	started  []int
	outcomes map[int]StepOutcome
	status   domain.JobStatus
	err      error
}

func newRecorder() *recorder {
	return &recorder{outcomes: make(map[int]StepOutcome)}
}

func (r *recorder) JobStarted(jobID string) {}

func (r *recorder) StepStarted(jobID string, index int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, index)
}

func (r *recorder) StepFinished(jobID string, o StepOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o.Index] = o
}

func (r *recorder) JobFinished(jobID string, status domain.JobStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.err = err
}

func (r *recorder) statuses(n int) []domain.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StepStatus, n)
	for i := range out {
		out[i] = r.outcomes[i].Status
	}
	return out
}

func commandPlan(commands ...string) *JobPlan {
	plan := &JobPlan{
		RunID:   "run-1",
		JobID:   "build",
		JobName: "build (stable)",
		Trigger: domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main", SHA: "abc"},
		Env:     map[string]string{"CARGO_TERM_COLOR": "always"},
	}
	for _, c := range commands {
		plan.Steps = append(plan.Steps, PlannedStep{Name: c, Runnable: CommandStep{Command: c}})
	}
	return plan
}

func newTestExecutor(t *testing.T, cmds *fakeCommands, acts *fakeActions, cfg Config) *Executor {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	return New(cmds, acts, nil, cfg, zaptest.NewLogger(t))
}

func equalStatuses(a, b []domain.StepStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecute_AllStepsSucceed(t *testing.T) {
	cmds := &fakeCommands{}
	exec := newTestExecutor(t, cmds, &fakeActions{}, Config{})
	rep := newRecorder()

	status := exec.Execute(context.Background(), commandPlan("fetch", "build", "test"), rep)

	if status != domain.JobSucceeded {
		t.Fatalf("status: got %s want %s (err %v)", status, domain.JobSucceeded, rep.err)
	}
	want := []domain.StepStatus{domain.StepSucceeded, domain.StepSucceeded, domain.StepSucceeded}
	if got := rep.statuses(3); !equalStatuses(got, want) {
		t.Fatalf("step statuses: got %v want %v", got, want)
	}
	if strings.Join(cmds.ran, ",") != "fetch,build,test" {
		t.Fatalf("steps ran out of order: %v", cmds.ran)
	}
	if rep.outcomes[1].Log != "build\n" {
		t.Fatalf("captured log: got %q", rep.outcomes[1].Log)
	}
}

func TestExecute_FailureSkipsRemainingSteps(t *testing.T) {
	cmds := &fakeCommands{}
	exec := newTestExecutor(t, cmds, &fakeActions{}, Config{})
	rep := newRecorder()

	status := exec.Execute(context.Background(), commandPlan("checkout", "fail", "build", "test"), rep)

	if status != domain.JobFailed {
		t.Fatalf("status: got %s want %s", status, domain.JobFailed)
	}
	want := []domain.StepStatus{domain.StepSucceeded, domain.StepFailed, domain.StepSkipped, domain.StepSkipped}
	if got := rep.statuses(4); !equalStatuses(got, want) {
		t.Fatalf("step statuses: got %v want %v", got, want)
	}
	if len(cmds.ran) != 2 {
		t.Fatalf("commands after the failure must not run: %v", cmds.ran)
	}
	if rep.outcomes[1].ExitCode != 1 || !strings.Contains(rep.outcomes[1].Log, "lint failed") {
		t.Fatalf("failed step outcome: %+v", rep.outcomes[1])
	}
	if len(rep.started) != 2 {
		t.Fatalf("skipped steps must not start: started %v", rep.started)
	}
}

func TestExecute_ActionErrorIsStepFailure(t *testing.T) {
	exec := newTestExecutor(t, &fakeCommands{}, &fakeActions{}, Config{})
	rep := newRecorder()

	plan := commandPlan("after")
	plan.Steps = append([]PlannedStep{{Name: "missing", Runnable: ActionStep{Uses: "missing/action@v1"}}}, plan.Steps...)

	if status := exec.Execute(context.Background(), plan, rep); status != domain.JobFailed {
		t.Fatalf("status: got %s want %s", status, domain.JobFailed)
	}
	if !errors.Is(rep.outcomes[0].Err, domain.ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", rep.outcomes[0].Err)
	}
	if rep.outcomes[1].Status != domain.StepSkipped {
		t.Fatalf("following step: got %s want skipped", rep.outcomes[1].Status)
	}
}

func TestExecute_PostActionsSeeJobResult(t *testing.T) {
	tests := []struct {
		name     string
		commands []string
		want     bool
	}{
		{"success", []string{"build"}, true},
		{"failure", []string{"fail"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acts := &fakeActions{}
			exec := newTestExecutor(t, &fakeCommands{}, acts, Config{})
			plan := commandPlan(tt.commands...)
			plan.Steps = append([]PlannedStep{{Name: "cache", Runnable: ActionStep{Uses: "Swatinem/rust-cache@v2"}}}, plan.Steps...)

			exec.Execute(context.Background(), plan, newRecorder())

			if len(acts.postCalls) != 1 || acts.postCalls[0] != tt.want {
				t.Fatalf("post calls: got %v want [%v]", acts.postCalls, tt.want)
			}
		})
	}
}

func TestExecute_CancellationInterruptsStep(t *testing.T) {
	acts := &fakeActions{}
	exec := newTestExecutor(t, &fakeCommands{}, acts, Config{})
	rep := newRecorder()

	plan := commandPlan("block", "build")
	plan.Steps = append([]PlannedStep{{Name: "cache", Runnable: ActionStep{Uses: "Swatinem/rust-cache@v2"}}}, plan.Steps...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	status := exec.Execute(ctx, plan, rep)

	if status != domain.JobCancelled {
		t.Fatalf("status: got %s want %s", status, domain.JobCancelled)
	}
	want := []domain.StepStatus{domain.StepSucceeded, domain.StepFailed, domain.StepSkipped}
	if got := rep.statuses(3); !equalStatuses(got, want) {
		t.Fatalf("step statuses: got %v want %v", got, want)
	}
	if !errors.Is(rep.outcomes[1].Err, context.Canceled) {
		t.Fatalf("interrupted step error: got %v", rep.outcomes[1].Err)
	}
	if len(acts.postCalls) != 0 {
		t.Fatalf("post actions must not run for a cancelled job")
	}
}

func TestExecute_StepTimeoutFailsJob(t *testing.T) {
	exec := newTestExecutor(t, &fakeCommands{}, &fakeActions{}, Config{StepTimeout: 50 * time.Millisecond})
	rep := newRecorder()

	status := exec.Execute(context.Background(), commandPlan("block", "build"), rep)

	if status != domain.JobFailed {
		t.Fatalf("status: got %s want %s", status, domain.JobFailed)
	}
	if !errors.Is(rep.outcomes[0].Err, context.DeadlineExceeded) {
		t.Fatalf("timed out step error: got %v", rep.outcomes[0].Err)
	}
	if rep.outcomes[1].Status != domain.StepSkipped {
		t.Fatalf("next step: got %s want skipped", rep.outcomes[1].Status)
	}
}

func TestExecute_JobTimeoutFailsJob(t *testing.T) {
	exec := newTestExecutor(t, &fakeCommands{}, &fakeActions{}, Config{JobTimeout: time.Hour})
	rep := newRecorder()

	plan := commandPlan("block")
	plan.Timeout = 50 * time.Millisecond

	if status := exec.Execute(context.Background(), plan, rep); status != domain.JobFailed {
		t.Fatalf("status: got %s want %s", status, domain.JobFailed)
	}
	if !strings.Contains(rep.outcomes[0].Err.Error(), "job timed out") {
		t.Fatalf("error: got %v", rep.outcomes[0].Err)
	}
}

func TestExecute_FreshWorkspaceAndEnvironment(t *testing.T) {
	cmds := &fakeCommands{}
	root := t.TempDir()
	exec := newTestExecutor(t, cmds, &fakeActions{}, Config{WorkspaceRoot: root})

	plan := commandPlan("one")
	plan.Steps = append(plan.Steps, PlannedStep{
		Name:       "two",
		Runnable:   CommandStep{Command: "two"},
		Env:        map[string]string{"RUSTFLAGS": "-D warnings"},
		WorkingDir: "crates/core",
	})

	exec.Execute(context.Background(), plan, newRecorder())
	exec.Execute(context.Background(), plan, newRecorder())

	if len(cmds.envs) != 4 {
		t.Fatalf("expected 4 step invocations, got %d", len(cmds.envs))
	}
	if cmds.envs[0].Workspace == cmds.envs[2].Workspace {
		t.Fatalf("job instances shared a workspace")
	}

	env := cmds.envs[1]
	if env.WorkDir != env.Workspace+"/crates/core" {
		t.Fatalf("workdir: got %s", env.WorkDir)
	}
	for k, want := range map[string]string{
		"CI":               "true",
		"CARGO_TERM_COLOR": "always",
		"RUSTFLAGS":        "-D warnings",
		"GITHUB_SHA":       "abc",
		"GITHUB_WORKSPACE": env.Workspace,
	} {
		if env.Env[k] != want {
			t.Errorf("env %s: got %q want %q", k, env.Env[k], want)
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspaces not removed: %d left", len(entries))
	}
}

func TestLogBufferTruncates(t *testing.T) {
	b := &logBuffer{limit: 4}
	b.Write([]byte("abcdef"))
	b.Write([]byte("gh"))

	if got := b.String(); got != "abcd\n[output truncated]\n" {
		t.Fatalf("got %q", got)
	}
}

func TestExecute_PanickingStepFailsJob(t *testing.T) {
	cmds := &fakeCommands{}
	acts := &fakeActions{}
	e := newTestExecutor(t, cmds, acts, Config{})

	plan := commandPlan("cargo build")
	plan.Steps = append(plan.Steps,
		PlannedStep{Name: "explode", Runnable: ActionStep{Uses: "acme/panic@v1"}},
		PlannedStep{Name: "cargo test", Runnable: CommandStep{Command: "cargo test"}})
	rec := newRecorder()

	if got := e.Execute(context.Background(), plan, rec); got != domain.JobFailed {
		t.Fatalf("status: got %s want %s", got, domain.JobFailed)
	}
	want := []domain.StepStatus{domain.StepSucceeded, domain.StepFailed, domain.StepSkipped}
	for i, st := range rec.statuses(3) {
		if st != want[i] {
			t.Fatalf("step %d: got %s want %s", i, st, want[i])
		}
	}
	if err := rec.outcomes[1].Err; err == nil || !strings.Contains(err.Error(), "action blew up") {
		t.Fatalf("step error: got %v", err)
	}
}
