package orchestrator

import (
	"fmt"
	"maps"
	"time"

	"github.com/aescanero/dagci/internal/application/executor"
	"github.com/aescanero/dagci/internal/application/trigger"
	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/workflow"
)

// instance is a job instance awaiting dispatch.
type instance struct {
	id    string
	jobID string
	needs []string
	plan  *executor.JobPlan
}

// planRun expands every job of the admitted workflow into job instances,
// one per matrix binding, with all expressions resolved.
func planRun(runID string, adm *trigger.Admission) ([]*domain.JobInstance, []*instance) {
	var (
		jobs      []*domain.JobInstance
		instances []*instance
	)

	for _, job := range adm.Workflow.Jobs {
		multi := job.Matrix.Size() > 1
		i := 0
		for binding := range job.Matrix.Expand() {
			id := job.ID
			if multi {
				id = fmt.Sprintf("%s-%d", job.ID, i)
			}
			i++

			plan := planJob(runID, id, adm, job, binding)
			jobs = append(jobs, jobState(id, job, plan))
			instances = append(instances, &instance{
				id:    id,
				jobID: job.ID,
				needs: job.Needs,
				plan:  plan,
			})
		}
	}

	return jobs, instances
}

// planJob resolves one job instance against its matrix binding.
func planJob(runID, instanceID string, adm *trigger.Admission, job *workflow.Job, binding workflow.Binding) *executor.JobPlan {
	matrix := binding.Map()
	ctx := adm.Context.With("matrix", matrix)

	env := maps.Clone(adm.Workflow.Env)
	if env == nil {
		env = make(map[string]string)
	}
	maps.Copy(env, ctx.ExpandMap(job.Env))
	ctx = ctx.With("env", env)

	name := job.ID
	if job.Name != "" {
		name = ctx.Expand(job.Name)
	}
	if len(binding) > 0 {
		name = fmt.Sprintf("%s (%s)", name, binding)
	}

	plan := &executor.JobPlan{
		RunID:   runID,
		JobID:   instanceID,
		JobName: name,
		Matrix:  matrix,
		Env:     env,
		Trigger: adm.Trigger,
		Timeout: minutes(job.TimeoutMinutes),
	}

	for _, step := range job.Steps {
		stepCtx := ctx.With("env", step.Env)
		planned := executor.PlannedStep{
			Name:       ctx.Expand(step.DisplayName()),
			Env:        stepCtx.ExpandMap(step.Env),
			WorkingDir: stepCtx.Expand(step.WorkingDirectory),
			Timeout:    minutes(step.TimeoutMinutes),
		}
		if step.Uses != "" {
			planned.Runnable = executor.ActionStep{Uses: step.Uses, Inputs: stepCtx.ExpandMap(step.With)}
		} else {
			planned.Runnable = executor.CommandStep{Command: stepCtx.Expand(step.Run), Shell: step.Shell}
		}
		plan.Steps = append(plan.Steps, planned)
	}

	return plan
}

// jobState is the initial recorded state of a planned job instance.
func jobState(id string, job *workflow.Job, plan *executor.JobPlan) *domain.JobInstance {
	ji := &domain.JobInstance{
		ID:     id,
		JobID:  job.ID,
		Name:   plan.JobName,
		Matrix: plan.Matrix,
		RunsOn: job.RunsOn,
		Status: domain.JobPending,
	}
	if len(ji.Matrix) == 0 {
		ji.Matrix = nil
	}
	for _, s := range plan.Steps {
		st := &domain.StepState{Name: s.Name, Status: domain.StepPending}
		switch r := s.Runnable.(type) {
		case executor.ActionStep:
			st.Uses = r.Uses
		case executor.CommandStep:
			st.Command = r.Command
		}
		ji.Steps = append(ji.Steps, st)
	}
	return ji
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
