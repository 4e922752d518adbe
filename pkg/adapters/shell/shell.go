// Package shell runs inline step commands in a child shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/aescanero/dagci/pkg/ports"
	"go.uber.org/zap"
)

// Runner executes commands with a shell, killing the whole process group
// when the step context ends.
type Runner struct {
	defaultShell string
	waitDelay    time.Duration
	logger       *zap.Logger
}

// NewRunner creates a command runner. defaultShell is used for steps that do
// not name one; "bash" and "sh" are recognised, anything else is invoked as
// `<shell> -c <command>`.
func NewRunner(defaultShell string, logger *zap.Logger) *Runner {
	if defaultShell == "" {
		defaultShell = "bash"
	}
	return &Runner{
		defaultShell: defaultShell,
		waitDelay:    5 * time.Second,
		logger:       logger,
	}
}

// RunCommand runs command in env.WorkDir with env.Env layered over the
// process environment. Output goes to env.Output.
func (r *Runner) RunCommand(ctx context.Context, env *ports.StepEnv, shell, command string) (int, error) {
	if shell == "" {
		shell = r.defaultShell
	}

	cmd := exec.CommandContext(ctx, shell, shellArgs(shell, command)...)
	cmd.Dir = env.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = env.Workspace
	}
	cmd.Env = mergeEnv(os.Environ(), env.Env)
	cmd.Stdout = env.Output
	cmd.Stderr = env.Output
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = r.waitDelay

	start := time.Now()
	err := cmd.Run()

	r.logger.Debug("command finished",
		zap.String("run_id", env.RunID),
		zap.String("job", env.JobName),
		zap.String("shell", shell),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))

	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("command interrupted: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("command exited with code %d", exitErr.ExitCode())
	}
	return -1, fmt.Errorf("failed to run command: %w", err)
}

func shellArgs(shell, command string) []string {
	switch shell {
	case "bash":
		return []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", command}
	case "sh":
		return []string{"-e", "-c", command}
	}
	return []string{"-c", command}
}

// mergeEnv overrides base with extra, in deterministic order.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
