package orchestrator

import (
	"fmt"

	"github.com/aescanero/dagci/pkg/workflow"
)

// Validator validates workflow definitions
type Validator struct{}

// NewValidator creates a new workflow validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a workflow's structure
func (v *Validator) Validate(w *workflow.Workflow) error {
	if w == nil {
		return fmt.Errorf("workflow is nil")
	}

	if w.ID() == "" {
		return fmt.Errorf("workflow name is required")
	}

	if len(w.On) == 0 {
		return fmt.Errorf("workflow %s has no triggers", w.ID())
	}

	if len(w.Jobs) == 0 {
		return fmt.Errorf("workflow %s must have at least one job", w.ID())
	}

	jobIDs := make(map[string]bool)
	for _, job := range w.Jobs {
		if err := v.validateJob(job); err != nil {
			return fmt.Errorf("invalid job %s: %w", job.ID, err)
		}

		if jobIDs[job.ID] {
			return fmt.Errorf("duplicate job ID: %s", job.ID)
		}
		jobIDs[job.ID] = true
	}

	for _, job := range w.Jobs {
		for _, need := range job.Needs {
			if !jobIDs[need] {
				return fmt.Errorf("job %s needs non-existent job: %s", job.ID, need)
			}
		}
	}

	return v.checkCycles(w)
}

// validateJob validates a single job
func (v *Validator) validateJob(job *workflow.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if len(job.Steps) == 0 {
		return fmt.Errorf("job must have at least one step")
	}

	if job.TimeoutMinutes < 0 {
		return fmt.Errorf("timeout-minutes must not be negative")
	}

	for i, step := range job.Steps {
		if err := v.validateStep(step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.DisplayName(), err)
		}
	}

	return nil
}

// validateStep checks a step has exactly one body
func (v *Validator) validateStep(step workflow.Step) error {
	switch {
	case step.Uses != "" && step.Run != "":
		return fmt.Errorf("step cannot set both uses and run")
	case step.Uses == "" && step.Run == "":
		return fmt.Errorf("step must set uses or run")
	case step.Uses != "":
		if _, err := workflow.ParseActionRef(step.Uses); err != nil {
			return err
		}
	}

	if step.TimeoutMinutes < 0 {
		return fmt.Errorf("timeout-minutes must not be negative")
	}
	return nil
}

// checkCycles rejects needs cycles with a depth-first search
func (v *Validator) checkCycles(w *workflow.Workflow) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(w.Jobs))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through job %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, need := range w.Job(id).Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, job := range w.Jobs {
		if err := visit(job.ID); err != nil {
			return err
		}
	}
	return nil
}
