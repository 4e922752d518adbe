package trigger

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/workflow"
	"go.uber.org/zap"
)

// Admission is a trigger accepted for a workflow.
type Admission struct {
	Workflow *workflow.Workflow
	Trigger  domain.RunTrigger
	Group    domain.ConcurrencyGroup
	// Context carries the github and env expression contexts for the run.
	Context workflow.Context
}

// Resolver matches triggers against workflow filters.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a trigger resolver
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve admits t for w or returns domain.ErrTriggerMismatch. Malformed
// triggers return domain.ErrInvalidTrigger.
func (r *Resolver) Resolve(w *workflow.Workflow, t domain.RunTrigger) (*Admission, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	filter, ok := w.On[t.Event]
	if !ok || !branchMatches(filter, t.TargetBranch) {
		r.logger.Debug("trigger ignored",
			zap.String("workflow", w.ID()),
			zap.String("event", string(t.Event)),
			zap.String("branch", t.TargetBranch))
		return nil, fmt.Errorf("%w: %s on %s for workflow %s", domain.ErrTriggerMismatch, t.Event, t.TargetBranch, w.ID())
	}

	ctx := workflow.NewContext(w, t)
	group := domain.ConcurrencyGroup{Key: ConcurrencyKey(w.ID(), t)}
	if w.Concurrency != nil {
		if w.Concurrency.Group != "" {
			group.Key = ctx.Expand(w.Concurrency.Group)
		}
		group.CancelInProgress = w.Concurrency.CancelInProgress
	}

	r.logger.Info("trigger admitted",
		zap.String("workflow", w.ID()),
		zap.String("event", string(t.Event)),
		zap.String("concurrency_key", group.Key),
		zap.Bool("cancel_in_progress", group.CancelInProgress))

	return &Admission{Workflow: w, Trigger: t, Group: group, Context: ctx}, nil
}

// ConcurrencyKey is the canonical key: the workflow identifier joined with the
// pull request number, or the ref when the trigger is not a pull request.
func ConcurrencyKey(workflowID string, t domain.RunTrigger) string {
	if t.Event == domain.EventPullRequest && t.PullRequest > 0 {
		return workflowID + "-" + strconv.Itoa(t.PullRequest)
	}
	return workflowID + "-" + t.RefName()
}

func branchMatches(f *workflow.EventFilter, branch string) bool {
	for _, pattern := range f.BranchesIgnore {
		if globMatch(pattern, branch) {
			return false
		}
	}
	if len(f.Branches) == 0 {
		return true
	}
	for _, pattern := range f.Branches {
		if globMatch(pattern, branch) {
			return true
		}
	}
	return false
}

// globMatch matches branch names; "**" matches across slashes.
func globMatch(pattern, branch string) bool {
	if pattern == branch || pattern == "**" {
		return true
	}
	if ok, err := path.Match(pattern, branch); err == nil && ok {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return strings.HasPrefix(branch, prefix+"/")
	}
	return false
}
