package main

import (
	"fmt"

	"github.com/aescanero/dagci/internal/application/orchestrator"
	"github.com/aescanero/dagci/pkg/adapters/actions"
	"github.com/aescanero/dagci/pkg/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newValidateCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Parse and validate workflow files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := orchestrator.NewValidator()
			registry := actions.NewRegistry(nil, nil, nil, zap.NewNop())
			invalid := 0

			for _, path := range args {
				workflows, err := loadWorkflows(path)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					invalid++
					continue
				}
				for _, w := range workflows {
					if err := v.Validate(w); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", w.Path, err)
						invalid++
						continue
					}
					unknown := unknownActions(w, registry)
					for _, uses := range unknown {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: no built-in action for %s\n", w.Path, uses)
					}
					if strict && len(unknown) > 0 {
						invalid++
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d jobs)\n", w.Path, w.ID(), len(w.Jobs))
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d invalid workflow(s)", invalid)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat actions without a built-in implementation as errors")
	return cmd
}

func unknownActions(w *workflow.Workflow, registry *actions.Registry) []string {
	var unknown []string
	seen := make(map[string]bool)
	for _, job := range w.Jobs {
		for _, step := range job.Steps {
			if step.Uses == "" || seen[step.Uses] {
				continue
			}
			seen[step.Uses] = true
			if !registry.Has(step.Uses) {
				unknown = append(unknown, step.Uses)
			}
		}
	}
	return unknown
}
