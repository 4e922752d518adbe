package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagci/internal/application/executor"
	"github.com/aescanero/dagci/internal/application/trigger"
	"github.com/aescanero/dagci/internal/application/workers"
	"github.com/aescanero/dagci/pkg/adapters/actions"
	cachemem "github.com/aescanero/dagci/pkg/adapters/cache/memory"
	eventsmem "github.com/aescanero/dagci/pkg/adapters/events/memory"
	"github.com/aescanero/dagci/pkg/adapters/metrics/prometheus"
	storagemem "github.com/aescanero/dagci/pkg/adapters/storage/memory"
	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/aescanero/dagci/pkg/workflow"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

// scriptedCommands stands in for the shell. Commands containing a failing
// substring exit 1; commands containing a blocking substring wait until the
// gate opens or the step is cancelled.
type scriptedCommands struct {
	mu    sync.Mutex
	fail  []string
	block []string
	gate  chan struct{}
	ran   []string
}

func newScriptedCommands() *scriptedCommands {
	return &scriptedCommands{gate: make(chan struct{})}
}

func (s *scriptedCommands) RunCommand(ctx context.Context, env *ports.StepEnv, shell, command string) (int, error) {
	s.mu.Lock()
	s.ran = append(s.ran, command)
	fail := append([]string(nil), s.fail...)
	block := append([]string(nil), s.block...)
	s.mu.Unlock()

	for _, b := range block {
		if strings.Contains(command, b) {
			select {
			case <-s.gate:
			case <-ctx.Done():
				return -1, fmt.Errorf("command interrupted: %w", ctx.Err())
			}
		}
	}
	for _, f := range fail {
		if strings.Contains(command, f) {
			fmt.Fprintf(env.Output, "%s: error\n", command)
			return 1, errors.New("command exited with code 1")
		}
	}
	fmt.Fprintln(env.Output, command)
	return 0, nil
}

type harness struct {
	manager  *Manager
	commands *scriptedCommands
	registry *actions.Registry
	cache    *cachemem.Cache
	store    *storagemem.InMemoryRunStore
	metrics  *prometheus.Collector
}

// harnessOptions replaces parts of the harness wiring. Nil fields keep the
// defaults.
type harnessOptions struct {
	executor func(JobExecutor) JobExecutor
	store    func(ports.RunStore) ports.RunStore
}

func newHarness(t *testing.T, cfg Config, workflows ...*workflow.Workflow) *harness {
	return newHarnessWith(t, cfg, harnessOptions{}, workflows...)
}

// newHarnessWith builds a harness with opts applied. HOME points at an
// empty directory so cache actions never read the real home.
func newHarnessWith(t *testing.T, cfg Config, opts harnessOptions, workflows ...*workflow.Workflow) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	t.Setenv("HOME", t.TempDir())

	commands := newScriptedCommands()
	metrics := prometheus.NewCollector(prom.NewRegistry())
	cache := cachemem.NewCache(0)
	registry := actions.NewRegistry(commands, cache, metrics, logger)
	var exec JobExecutor = executor.New(commands, registry, metrics, executor.Config{WorkspaceRoot: t.TempDir(), JobTimeout: time.Minute}, logger)
	if opts.executor != nil {
		exec = opts.executor(exec)
	}

	pool := workers.NewPool(4, metrics, logger, time.Minute)
	if err := pool.Start(); err != nil {
		t.Fatalf("pool start: %v", err)
	}

	store := storagemem.NewInMemoryRunStore()
	bus := eventsmem.NewInMemoryEventBus(logger)

	var runStore ports.RunStore = store
	if opts.store != nil {
		runStore = opts.store(store)
	}

	m := NewManager(trigger.NewResolver(logger), NewValidator(), exec, pool, runStore, bus, metrics, cfg, logger)
	if err := m.SetWorkflows(workflows); err != nil {
		t.Fatalf("SetWorkflows: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		pool.Shutdown(ctx)
		bus.Close()
	})

	return &harness{manager: m, commands: commands, registry: registry, cache: cache, store: store, metrics: metrics}
}

func loadWorkflow(t *testing.T, name string) *workflow.Workflow {
	t.Helper()
	w, err := workflow.LoadFile(filepath.Join("..", "..", "..", "pkg", "workflow", "testdata", name))
	if err != nil {
		t.Fatalf("failed to load workflow: %v", err)
	}
	return w
}

func parseWorkflow(t *testing.T, src string) *workflow.Workflow {
	t.Helper()
	w, err := workflow.Parse([]byte(src))
	if err != nil {
		t.Fatalf("failed to parse workflow: %v", err)
	}
	return w
}

func waitRun(t *testing.T, m *Manager, runID string) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := m.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait(%s): %v", runID, err)
	}
	return run
}

func jobByName(t *testing.T, run *domain.Run, name string) *domain.JobInstance {
	t.Helper()
	for _, j := range run.Jobs {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q not found in run", name)
	return nil
}

func stepStatuses(job *domain.JobInstance) []domain.StepStatus {
	out := make([]domain.StepStatus, len(job.Steps))
	for i, s := range job.Steps {
		out[i] = s.Status
	}
	return out
}

func TestSubmit_PushToMainSucceeds(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs: got %d want 1", len(runs))
	}
	if runs[0].Concurrency.Key != "Rust-main" {
		t.Fatalf("key: got %q want %q", runs[0].Concurrency.Key, "Rust-main")
	}

	run := waitRun(t, h.manager, runs[0].ID)
	if run.Status != domain.RunSucceeded {
		t.Fatalf("status: got %s want %s (%s)", run.Status, domain.RunSucceeded, run.Error)
	}
	if len(run.Jobs) != 2 {
		t.Fatalf("job instances: got %d want 2", len(run.Jobs))
	}

	build := jobByName(t, run, "build (stable)")
	if build.Matrix["rust"] != "stable" {
		t.Fatalf("matrix: got %v", build.Matrix)
	}
	for i, st := range stepStatuses(build) {
		if st != domain.StepSucceeded {
			t.Fatalf("build step %d: got %s", i, st)
		}
	}
	if deny := jobByName(t, run, "deny"); deny.Status != domain.JobSucceeded {
		t.Fatalf("deny: got %s", deny.Status)
	}

	h.commands.mu.Lock()
	ran := strings.Join(h.commands.ran, "\n")
	h.commands.mu.Unlock()
	for _, want := range []string{"rustup toolchain install 'stable'", "--component 'clippy'", "cargo deny check", "cargo test --verbose"} {
		if !strings.Contains(ran, want) {
			t.Fatalf("expected %q to run, ran:\n%s", want, ran)
		}
	}

	result := run.Result()
	if result.Jobs["deny"] != domain.JobSucceeded || result.Status != domain.RunSucceeded {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmit_NonMatchingBranchIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "feature/x"})
	if !errors.Is(err, domain.ErrTriggerMismatch) {
		t.Fatalf("expected ErrTriggerMismatch, got %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(runs))
	}

	stored, _ := h.store.ListRuns(context.Background(), ports.RunFilter{})
	if len(stored) != 0 {
		t.Fatalf("mismatch recorded %d runs", len(stored))
	}
	if h.manager.ActiveRuns() != 0 {
		t.Fatalf("active runs: got %d", h.manager.ActiveRuns())
	}
}

func TestSubmit_InvalidTrigger(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))

	_, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPullRequest, TargetBranch: "main"})
	if !errors.Is(err, domain.ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestSubmit_LintFailureSkipsRestOfBuild(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))
	h.commands.fail = []string{"cargo clippy"}

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	run := waitRun(t, h.manager, runs[0].ID)
	if run.Status != domain.RunFailed {
		t.Fatalf("status: got %s want %s", run.Status, domain.RunFailed)
	}

	build := jobByName(t, run, "build (stable)")
	if build.Status != domain.JobFailed {
		t.Fatalf("build: got %s want failed", build.Status)
	}
	want := []domain.StepStatus{
		domain.StepSucceeded, domain.StepSucceeded, domain.StepSucceeded,
		domain.StepFailed, domain.StepSkipped, domain.StepSkipped,
	}
	got := stepStatuses(build)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("build steps: got %v want %v", got, want)
		}
	}
	if build.Steps[3].ExitCode != 1 || build.Steps[3].Log == "" {
		t.Fatalf("lint step not recorded: %+v", build.Steps[3])
	}

	if deny := jobByName(t, run, "deny"); deny.Status != domain.JobSucceeded {
		t.Fatalf("deny must be unaffected: got %s", deny.Status)
	}
}

func TestSubmit_PullRequestUpdateSupersedesEarlierRun(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))
	h.commands.block = []string{"cargo build"}
	ctx := context.Background()
	pr := domain.RunTrigger{Event: domain.EventPullRequest, TargetBranch: "main", Ref: "feature", PullRequest: 42}

	first, err := h.manager.Submit(ctx, pr)
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if first[0].Concurrency.Key != "Rust-42" {
		t.Fatalf("key: got %q want %q", first[0].Concurrency.Key, "Rust-42")
	}

	second, err := h.manager.Submit(ctx, pr)
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if second[0].Concurrency.Key != "Rust-42" {
		t.Fatalf("key: got %q want %q", second[0].Concurrency.Key, "Rust-42")
	}

	earlier := waitRun(t, h.manager, first[0].ID)
	if earlier.Status != domain.RunCancelled {
		t.Fatalf("earlier run: got %s want %s", earlier.Status, domain.RunCancelled)
	}
	if earlier.SupersededBy != second[0].ID {
		t.Fatalf("superseded by: got %q want %q", earlier.SupersededBy, second[0].ID)
	}
	if b := jobByName(t, earlier, "build (stable)"); b.Status == domain.JobSucceeded {
		t.Fatalf("earlier build must not complete")
	}

	close(h.commands.gate)
	later := waitRun(t, h.manager, second[0].ID)
	if later.Status != domain.RunSucceeded {
		t.Fatalf("later run: got %s want %s (%s)", later.Status, domain.RunSucceeded, later.Error)
	}
}

func TestSubmit_DifferentPullRequestsDoNotCollide(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))
	h.commands.block = []string{"cargo build"}
	ctx := context.Background()

	a, err := h.manager.Submit(ctx, domain.RunTrigger{Event: domain.EventPullRequest, TargetBranch: "main", PullRequest: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := h.manager.Submit(ctx, domain.RunTrigger{Event: domain.EventPullRequest, TargetBranch: "main", PullRequest: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	close(h.commands.gate)
	for _, run := range []*domain.Run{a[0], b[0]} {
		if got := waitRun(t, h.manager, run.ID); got.Status != domain.RunSucceeded {
			t.Fatalf("run %s: got %s want succeeded", run.Concurrency.Key, got.Status)
		}
	}
}

func TestSubmit_WithoutCancelInProgressRunsConcurrently(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust-basic.yml"))
	h.commands.block = []string{"cargo build"}
	ctx := context.Background()
	push := domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"}

	first, _ := h.manager.Submit(ctx, push)
	second, err := h.manager.Submit(ctx, push)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	close(h.commands.gate)
	for _, run := range []*domain.Run{first[0], second[0]} {
		if got := waitRun(t, h.manager, run.ID); got.Status != domain.RunSucceeded {
			t.Fatalf("run %s: got %s want succeeded", run.ID, got.Status)
		}
	}
}

func TestSubmit_MatrixExpansion(t *testing.T) {
	w := parseWorkflow(t, `
name: Matrix
on: [push]
jobs:
  test:
    strategy:
      matrix:
        rust: [stable, beta, nightly]
        os: [linux, macos]
        features: []
    steps:
      - run: echo ${{ matrix.rust }}-${{ matrix.os }}
`)
	h := newHarness(t, Config{}, w)

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "any"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	run := waitRun(t, h.manager, runs[0].ID)

	if len(run.Jobs) != 6 {
		t.Fatalf("instances: got %d want 6", len(run.Jobs))
	}
	if run.Jobs[0].Name != "test (stable, linux)" || run.Jobs[5].Name != "test (nightly, macos)" {
		t.Fatalf("instance names: %s .. %s", run.Jobs[0].Name, run.Jobs[5].Name)
	}
	if run.Jobs[1].Steps[0].Command != "echo stable-macos" {
		t.Fatalf("expanded command: got %q", run.Jobs[1].Steps[0].Command)
	}
	if run.Status != domain.RunSucceeded {
		t.Fatalf("status: got %s", run.Status)
	}
}

func TestSubmit_NeedsSkipsDependentsOfFailedJob(t *testing.T) {
	w := parseWorkflow(t, `
name: Pipeline
on:
  push:
    branches: [main]
jobs:
  lint:
    steps:
      - run: cargo clippy
  test:
    needs: lint
    steps:
      - run: cargo test
  publish:
    needs: [test]
    steps:
      - run: cargo publish
  docs:
    steps:
      - run: cargo doc
`)
	h := newHarness(t, Config{}, w)
	h.commands.fail = []string{"cargo clippy"}

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	run := waitRun(t, h.manager, runs[0].ID)

	want := map[string]domain.JobStatus{
		"lint":    domain.JobFailed,
		"test":    domain.JobSkipped,
		"publish": domain.JobSkipped,
		"docs":    domain.JobSucceeded,
	}
	for name, status := range want {
		if got := jobByName(t, run, name).Status; got != status {
			t.Errorf("%s: got %s want %s", name, got, status)
		}
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("run: got %s want failed", run.Status)
	}

	h.commands.mu.Lock()
	defer h.commands.mu.Unlock()
	for _, c := range h.commands.ran {
		if c == "cargo test" || c == "cargo publish" {
			t.Fatalf("skipped job ran %q", c)
		}
	}
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))
	h.commands.block = []string{"cargo build", "cargo deny"}
	ctx := context.Background()

	runs, err := h.manager.Submit(ctx, domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.manager.CancelRun(ctx, runs[0].ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	run := waitRun(t, h.manager, runs[0].ID)
	if run.Status != domain.RunCancelled {
		t.Fatalf("status: got %s want cancelled", run.Status)
	}
	if err := h.manager.CancelRun(ctx, runs[0].ID); !errors.Is(err, domain.ErrRunTerminal) {
		t.Fatalf("second cancel: expected ErrRunTerminal, got %v", err)
	}
	if err := h.manager.CancelRun(ctx, "missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("unknown run: expected ErrRunNotFound, got %v", err)
	}
}

func TestRunTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, Config{RunTimeout: 200 * time.Millisecond}, loadWorkflow(t, "rust.yml"))
	h.commands.block = []string{"cargo build"}

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	run := waitRun(t, h.manager, runs[0].ID)
	if run.Status != domain.RunFailed {
		t.Fatalf("status: got %s want failed", run.Status)
	}
	if !strings.Contains(run.Error, "timed out") {
		t.Fatalf("error: got %q", run.Error)
	}
}

func TestSubmitWorkflowByName(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"), loadWorkflow(t, "rust-basic.yml"))
	push := domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"}

	if _, err := h.manager.SubmitWorkflow(context.Background(), "Rust", push); err == nil {
		t.Fatalf("expected ambiguity error for duplicate names")
	}
	if _, err := h.manager.SubmitWorkflow(context.Background(), "Nope", push); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}

	path := filepath.Join("..", "..", "..", "pkg", "workflow", "testdata", "rust-basic.yml")
	run, err := h.manager.SubmitWorkflow(context.Background(), path, push)
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if got := waitRun(t, h.manager, run.ID); got.Status != domain.RunSucceeded {
		t.Fatalf("status: got %s", got.Status)
	}
}

func TestSubmit_SameNamedWorkflowsDoNotSupersedeEachOther(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"), loadWorkflow(t, "rust-basic.yml"))

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs: got %d want 2", len(runs))
	}
	for _, r := range runs {
		if got := waitRun(t, h.manager, r.ID); got.Status != domain.RunSucceeded {
			t.Fatalf("run %s: got %s want succeeded", r.ID, got.Status)
		}
	}
}

func TestSubmit_PanickingActionFailsRun(t *testing.T) {
	w := parseWorkflow(t, `
name: Boom
on: [push]
concurrency:
  group: boom-${{ github.ref }}
  cancel-in-progress: true
jobs:
  build:
    steps:
      - run: echo before
      - uses: acme/boom@v1
      - run: echo after
`)
	h := newHarness(t, Config{}, w)
	h.registry.Register("acme/boom", func(ctx context.Context, call *actions.Call) (ports.PostAction, error) {
		panic("kaboom")
	})

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	run := waitRun(t, h.manager, runs[0].ID)
	if run.Status != domain.RunFailed {
		t.Fatalf("status: got %s want %s", run.Status, domain.RunFailed)
	}

	build := jobByName(t, run, "build")
	want := []domain.StepStatus{domain.StepSucceeded, domain.StepFailed, domain.StepSkipped}
	if got := stepStatuses(build); !slices.Equal(got, want) {
		t.Fatalf("steps: got %v want %v", got, want)
	}
	if !strings.Contains(build.Steps[1].Error, "kaboom") {
		t.Fatalf("step error: got %q", build.Steps[1].Error)
	}
	if n := h.manager.ActiveRuns(); n != 0 {
		t.Fatalf("active runs: got %d want 0", n)
	}
	if live := h.manager.groups.live(runs[0].Concurrency.Key); len(live) != 0 {
		t.Fatalf("group still holds %v", live)
	}
}

// panickingExecutor reports the job as started and then panics.
type panickingExecutor struct{}

func (panickingExecutor) Execute(ctx context.Context, plan *executor.JobPlan, rep executor.Reporter) domain.JobStatus {
	rep.JobStarted(plan.JobID)
	rep.StepStarted(plan.JobID, 0, time.Now())
	panic("executor crashed")
}

func TestSubmit_ExecutorPanicFailsJobAndReleasesRun(t *testing.T) {
	w := parseWorkflow(t, `
name: Crash
on: [push]
jobs:
  build:
    steps:
      - run: make
      - run: make test
  after:
    needs: build
    steps:
      - run: echo never
`)
	h := newHarnessWith(t, Config{}, harnessOptions{
		executor: func(JobExecutor) JobExecutor { return panickingExecutor{} },
	}, w)

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	run := waitRun(t, h.manager, runs[0].ID)
	if run.Status != domain.RunFailed {
		t.Fatalf("status: got %s want %s", run.Status, domain.RunFailed)
	}

	build := jobByName(t, run, "build")
	if build.Status != domain.JobFailed || !strings.Contains(build.Error, "executor crashed") {
		t.Fatalf("build: got %s %q", build.Status, build.Error)
	}
	want := []domain.StepStatus{domain.StepFailed, domain.StepSkipped}
	if got := stepStatuses(build); !slices.Equal(got, want) {
		t.Fatalf("steps: got %v want %v", got, want)
	}
	if after := jobByName(t, run, "after"); after.Status != domain.JobSkipped {
		t.Fatalf("after: got %s want %s", after.Status, domain.JobSkipped)
	}
	if n := h.manager.ActiveRuns(); n != 0 {
		t.Fatalf("active runs: got %d want 0", n)
	}
}

func TestHarnessCacheStaysOutOfRealHome(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}
	entries, err := os.ReadDir(home)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("HOME is not an empty directory: %s", home)
	}

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run := waitRun(t, h.manager, runs[0].ID); run.Status != domain.RunSucceeded {
		t.Fatalf("status: got %s want %s (%s)", run.Status, domain.RunSucceeded, run.Error)
	}
	// no cargo registry and no target dir exist, so there is nothing to save
	if n := h.cache.Len(); n != 0 {
		t.Fatalf("cache entries: got %d want 0", n)
	}
}

// failingStore refuses to record new runs of one workflow.
type failingStore struct {
	ports.RunStore
	workflow string
}

func (f failingStore) SaveRun(ctx context.Context, run *domain.Run) error {
	if run.Workflow == f.workflow {
		return errors.New("disk full")
	}
	return f.RunStore.SaveRun(ctx, run)
}

func TestSubmit_PartialStartReturnsStartedRuns(t *testing.T) {
	build := parseWorkflow(t, `
name: Build
on: [push]
jobs:
  build:
    steps:
      - run: make
`)
	lint := parseWorkflow(t, `
name: Lint
on: [push]
jobs:
  lint:
    steps:
      - run: make lint
`)
	h := newHarnessWith(t, Config{}, harnessOptions{
		store: func(s ports.RunStore) ports.RunStore { return failingStore{RunStore: s, workflow: "Lint"} },
	}, build, lint)

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Submit error: got %v", err)
	}
	if len(runs) != 1 || runs[0].Workflow != "Build" {
		t.Fatalf("started runs: got %+v", runs)
	}
	if run := waitRun(t, h.manager, runs[0].ID); run.Status != domain.RunSucceeded {
		t.Fatalf("status: got %s want %s", run.Status, domain.RunSucceeded)
	}
}

func TestSubmit_InvalidTriggerStartsNothing(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"), loadWorkflow(t, "rust-basic.yml"))

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPullRequest, TargetBranch: "main"})
	if !errors.Is(err, domain.ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
	if len(runs) != 0 || h.manager.ActiveRuns() != 0 {
		t.Fatalf("invalid trigger started %d runs", len(runs))
	}
}

func TestDeleteRun(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))
	h.commands.block = []string{"cargo deny"}

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id := runs[0].ID

	if err := h.manager.DeleteRun(context.Background(), id); !errors.Is(err, domain.ErrRunActive) {
		t.Fatalf("delete active run: got %v want %v", err, domain.ErrRunActive)
	}

	close(h.commands.gate)
	waitRun(t, h.manager, id)

	if err := h.manager.DeleteRun(context.Background(), id); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := h.manager.GetRun(context.Background(), id); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("get deleted run: got %v", err)
	}
	if err := h.manager.DeleteRun(context.Background(), id); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("delete missing run: got %v", err)
	}
}

func TestStepExecutions(t *testing.T) {
	h := newHarness(t, Config{}, loadWorkflow(t, "rust.yml"))
	h.commands.fail = []string{"cargo clippy"}

	runs, err := h.manager.Submit(context.Background(), domain.RunTrigger{Event: domain.EventPush, TargetBranch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	run := waitRun(t, h.manager, runs[0].ID)

	steps, err := h.manager.StepExecutions(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("StepExecutions: %v", err)
	}
	want := 0
	for _, j := range run.Jobs {
		want += len(j.Steps)
	}
	if len(steps) != want {
		t.Fatalf("steps: got %d want %d", len(steps), want)
	}
	for i := 1; i < len(steps); i++ {
		prev, cur := steps[i-1], steps[i]
		if prev.JobName > cur.JobName || (prev.JobName == cur.JobName && prev.Position >= cur.Position) {
			t.Fatalf("steps out of order at %d: %s/%d then %s/%d", i, prev.JobName, prev.Position, cur.JobName, cur.Position)
		}
	}

	var failed *domain.StepExecution
	for _, s := range steps {
		if s.Status == domain.StepFailed {
			failed = s
		}
	}
	if failed == nil || !strings.Contains(failed.Command, "cargo clippy") || failed.ExitCode != 1 {
		t.Fatalf("failed step: got %+v", failed)
	}

	if _, err := h.manager.StepExecutions(context.Background(), "nope"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("missing run: got %v", err)
	}
}
