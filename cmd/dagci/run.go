package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aescanero/dagci/internal/config"
	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errRunFailed = errors.New("run did not succeed")

type runOptions struct {
	workflows  string
	event      string
	branch     string
	ref        string
	pr         int
	sha        string
	repository string
	envFile    string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve one trigger event and run the admitted workflows locally",
		Long: "Resolve one trigger event against a workflow file or directory, run every\n" +
			"admitted workflow and exit non-zero unless all of them succeed. A trigger that\n" +
			"no workflow admits is not an error.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if opts.envFile != "" {
				files = append(files, opts.envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.workflows, "workflow", "w", "", "workflow file or directory (default $DAGCI_WORKFLOW_DIR)")
	f.StringVar(&opts.event, "event", string(domain.EventPush), "event kind: push or pull_request")
	f.StringVar(&opts.branch, "branch", "main", "pushed branch, or the branch a pull request targets")
	f.StringVar(&opts.ref, "ref", "", "ref being built (default the branch)")
	f.IntVar(&opts.pr, "pr", 0, "pull request number")
	f.StringVar(&opts.sha, "sha", "", "commit to check out")
	f.StringVar(&opts.repository, "repo", "", "repository to check out, owner/name or a git URL")
	f.StringVar(&opts.envFile, "env-file", "", "dotenv file to load before the environment (default .env)")
	return cmd
}

func loadWorkflows(path string) ([]*workflow.Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows: %w", err)
	}
	if info.IsDir() {
		return workflow.LoadDir(path)
	}
	w, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []*workflow.Workflow{w}, nil
}

func runOnce(ctx context.Context, cfg *config.Config, opts *runOptions, out io.Writer) error {
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := opts.workflows
	if path == "" {
		path = cfg.WorkflowDir
	}
	workflows, err := loadWorkflows(path)
	if err != nil {
		return err
	}

	eng, err := buildEngine(ctx, cfg, workflows, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()
		eng.shutdown(shutdownCtx)
	}()

	runs, err := eng.manager.Submit(ctx, domain.RunTrigger{
		Event:        domain.EventKind(opts.event),
		TargetBranch: opts.branch,
		Ref:          opts.ref,
		PullRequest:  opts.pr,
		SHA:          opts.sha,
		Repository:   opts.repository,
	})
	if errors.Is(err, domain.ErrTriggerMismatch) {
		logger.Info("no workflow admits the trigger, nothing to run", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	failed := false
	for _, run := range runs {
		final, err := eng.manager.Wait(ctx, run.ID)
		if err != nil {
			// interrupted: cancel and collect the final state
			_ = eng.manager.CancelRun(context.Background(), run.ID)
			final, err = eng.manager.Wait(context.Background(), run.ID)
			if err != nil {
				return err
			}
		}
		printRun(out, final)
		if final.Status != domain.RunSucceeded {
			failed = true
		}
	}

	if failed {
		return errRunFailed
	}
	return nil
}

func printRun(out io.Writer, run *domain.Run) {
	fmt.Fprintf(out, "%s [%s] %s in %s\n", run.Workflow, run.Concurrency.Key, strings.ToUpper(string(run.Status)), run.Duration().Round(time.Millisecond))
	if run.Error != "" {
		fmt.Fprintf(out, "  %s\n", run.Error)
	}
	for _, job := range run.Jobs {
		fmt.Fprintf(out, "  %-30s %s\n", job.Name, job.Status)
		for _, step := range job.Steps {
			fmt.Fprintf(out, "    %-28s %s\n", step.Name, step.Status)
			if step.Status == domain.StepFailed && step.Log != "" {
				for _, line := range strings.Split(strings.TrimRight(step.Log, "\n"), "\n") {
					fmt.Fprintf(out, "      | %s\n", line)
				}
			}
		}
	}
}
