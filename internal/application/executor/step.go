package executor

import (
	"context"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
)

// Runnable is the body of a step. It is implemented by CommandStep and
// ActionStep only.
type Runnable interface {
	// Kind is "run" for commands and "uses" for actions.
	Kind() string
	Describe() string
	execute(ctx context.Context, e *Executor, env *ports.StepEnv) (exitCode int, post ports.PostAction, err error)
}

// CommandStep runs an inline script with a shell.
type CommandStep struct {
	Command string
	Shell   string
}

func (s CommandStep) Kind() string     { return "run" }
func (s CommandStep) Describe() string { return s.Command }

func (s CommandStep) execute(ctx context.Context, e *Executor, env *ports.StepEnv) (int, ports.PostAction, error) {
	code, err := e.commands.RunCommand(ctx, env, s.Shell, s.Command)
	return code, nil, err
}

// ActionStep invokes a reusable action.
type ActionStep struct {
	Uses   string
	Inputs map[string]string
}

func (s ActionStep) Kind() string     { return "uses" }
func (s ActionStep) Describe() string { return s.Uses }

func (s ActionStep) execute(ctx context.Context, e *Executor, env *ports.StepEnv) (int, ports.PostAction, error) {
	post, err := e.actions.RunAction(ctx, env, s.Uses, s.Inputs)
	if err != nil {
		return 1, nil, err
	}
	return 0, post, nil
}

// PlannedStep is a step with every expression already expanded.
type PlannedStep struct {
	Name     string
	Runnable Runnable
	Env      map[string]string
	// WorkingDir is relative to the job workspace.
	WorkingDir string
	Timeout    time.Duration
}

// JobPlan is everything needed to execute one job instance.
type JobPlan struct {
	RunID   string
	JobID   string
	JobName string
	Matrix  map[string]string
	Env     map[string]string
	Trigger domain.RunTrigger
	Steps   []PlannedStep
	Timeout time.Duration
}
