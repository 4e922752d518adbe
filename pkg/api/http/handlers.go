package http

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TriggerRequest is a version-control event submitted for resolution
type TriggerRequest struct {
	Event        string `json:"event" binding:"required,oneof=push pull_request"`
	TargetBranch string `json:"target_branch" binding:"required"`
	Ref          string `json:"ref"`
	PullRequest  int    `json:"pull_request"`
	SHA          string `json:"sha"`
	Repository   string `json:"repository"`
	// Workflow restricts the trigger to one workflow, by path or name.
	Workflow string `json:"workflow"`
}

// RunSummary is the short form of a run
type RunSummary struct {
	RunID          string           `json:"run_id"`
	Workflow       string           `json:"workflow"`
	Status         domain.RunStatus `json:"status"`
	ConcurrencyKey string           `json:"concurrency_key"`
	SupersededBy   string           `json:"superseded_by,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// WorkflowResponse describes a loaded workflow
type WorkflowResponse struct {
	Name             string   `json:"name"`
	Path             string   `json:"path,omitempty"`
	Events           []string `json:"events"`
	ConcurrencyGroup string   `json:"concurrency_group,omitempty"`
	CancelInProgress bool     `json:"cancel_in_progress"`
	Jobs             []string `json:"jobs"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func summarize(run *domain.Run) RunSummary {
	return RunSummary{
		RunID:          run.ID,
		Workflow:       run.Workflow,
		Status:         run.Status,
		ConcurrencyKey: run.Concurrency.Key,
		SupersededBy:   run.SupersededBy,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	status := http.StatusOK
	healthy := "healthy"

	if s.pool != nil && s.pool.Health() != nil {
		ws := s.pool.Health().GetStatus()
		checks["workers"] = ws
		if !ws.Healthy {
			status = http.StatusServiceUnavailable
			healthy = "unhealthy"
		}
	}

	c.JSON(status, gin.H{
		"status":      healthy,
		"timestamp":   time.Now().UTC(),
		"active_runs": s.orchestrator.ActiveRuns(),
		"checks":      checks,
	})
}

// handleSubmitTrigger resolves a trigger event against the loaded workflows
func (s *Server) handleSubmitTrigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	t := domain.RunTrigger{
		Event:        domain.EventKind(req.Event),
		TargetBranch: req.TargetBranch,
		Ref:          req.Ref,
		PullRequest:  req.PullRequest,
		SHA:          req.SHA,
		Repository:   req.Repository,
		ReceivedAt:   time.Now(),
	}

	var (
		runs []*domain.Run
		err  error
	)
	if req.Workflow != "" {
		var run *domain.Run
		run, err = s.orchestrator.SubmitWorkflow(c.Request.Context(), req.Workflow, t)
		if run != nil {
			runs = append(runs, run)
		}
	} else {
		runs, err = s.orchestrator.Submit(c.Request.Context(), t)
	}

	switch {
	case errors.Is(err, domain.ErrTriggerMismatch):
		c.JSON(http.StatusAccepted, gin.H{
			"status": "ignored",
			"reason": err.Error(),
		})
		return
	case errors.Is(err, domain.ErrInvalidTrigger):
		abort(c, http.StatusBadRequest, "INVALID_TRIGGER", err.Error())
		return
	case errors.Is(err, domain.ErrWorkflowNotFound):
		abort(c, http.StatusNotFound, "WORKFLOW_NOT_FOUND", err.Error())
		return
	case err != nil && len(runs) == 0:
		s.logger.Error("failed to submit trigger", zap.Error(err))
		abort(c, http.StatusUnprocessableEntity, "SUBMISSION_FAILED", err.Error())
		return
	}

	summaries := make([]RunSummary, len(runs))
	for i, run := range runs {
		summaries[i] = summarize(run)
	}

	if err != nil {
		// some runs started; their IDs must reach the caller
		s.logger.Error("trigger partially submitted",
			zap.Int("started", len(runs)),
			zap.Error(err))
		c.JSON(http.StatusMultiStatus, gin.H{
			"status": "partial",
			"runs":   summaries,
			"error": ErrorDetail{
				Code:    "SUBMISSION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status": "submitted",
		"runs":   summaries,
	})
}

// handleListRuns lists recorded runs, newest first
func (s *Server) handleListRuns(c *gin.Context) {
	filter := ports.RunFilter{
		Workflow: c.Query("workflow"),
		Status:   domain.RunStatus(c.Query("status")),
		Limit:    20,
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.orchestrator.ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		abort(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to list runs")
		return
	}

	summaries := make([]RunSummary, len(runs))
	for i, run := range runs {
		summaries[i] = summarize(run)
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  summaries,
		"total": len(summaries),
		"limit": filter.Limit,
	})
}

// getRun loads a run or writes the error response
func (s *Server) getRun(c *gin.Context) (*domain.Run, bool) {
	runID := c.Param("id")

	run, err := s.orchestrator.GetRun(c.Request.Context(), runID)
	if errors.Is(err, domain.ErrRunNotFound) {
		abort(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get run", zap.String("run_id", runID), zap.Error(err))
		abort(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to load run")
		return nil, false
	}
	return run, true
}

// handleGetRun returns a run with its jobs and steps
func (s *Server) handleGetRun(c *gin.Context) {
	if run, ok := s.getRun(c); ok {
		c.JSON(http.StatusOK, run)
	}
}

// handleGetStatus returns the run status and per job progress
func (s *Server) handleGetStatus(c *gin.Context) {
	run, ok := s.getRun(c)
	if !ok {
		return
	}

	jobs := make([]gin.H, len(run.Jobs))
	for i, j := range run.Jobs {
		jobs[i] = gin.H{
			"id":     j.ID,
			"name":   j.Name,
			"status": j.Status,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       run.ID,
		"status":       run.Status,
		"jobs":         jobs,
		"created_at":   run.CreatedAt,
		"started_at":   run.StartedAt,
		"completed_at": run.CompletedAt,
	})
}

// handleGetResult returns the aggregate result of a finished run
func (s *Server) handleGetResult(c *gin.Context) {
	run, ok := s.getRun(c)
	if !ok {
		return
	}

	if !run.Status.IsTerminal() {
		abort(c, http.StatusConflict, "NOT_COMPLETED", "Run not yet completed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       run.ID,
		"status":       run.Status,
		"result":       run.Result(),
		"error":        run.Error,
		"completed_at": run.CompletedAt,
	})
}

// handleCancelRun requests cancellation of an active run
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	err := s.orchestrator.CancelRun(c.Request.Context(), runID)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		abort(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	case err != nil:
		abort(c, http.StatusConflict, "CANCELLATION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":       runID,
		"status":       "cancelling",
		"requested_at": time.Now().UTC(),
	})
}

// handleDeleteRun removes a finished run from history
func (s *Server) handleDeleteRun(c *gin.Context) {
	runID := c.Param("id")

	err := s.orchestrator.DeleteRun(c.Request.Context(), runID)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		abort(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	case errors.Is(err, domain.ErrRunActive):
		abort(c, http.StatusConflict, "RUN_ACTIVE", "Run is still in progress; cancel it first")
		return
	case err != nil:
		s.logger.Error("failed to delete run", zap.String("run_id", runID), zap.Error(err))
		abort(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to delete run")
		return
	}

	c.Status(http.StatusNoContent)
}

// handleGetSteps returns the step history of a run
func (s *Server) handleGetSteps(c *gin.Context) {
	runID := c.Param("id")

	steps, err := s.orchestrator.StepExecutions(c.Request.Context(), runID)
	if errors.Is(err, domain.ErrRunNotFound) {
		abort(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load step history", zap.String("run_id", runID), zap.Error(err))
		abort(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to load steps")
		return
	}
	if steps == nil {
		steps = []*domain.StepExecution{}
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": runID,
		"steps":  steps,
		"total":  len(steps),
	})
}

// handleListWorkflows lists the loaded workflow definitions
func (s *Server) handleListWorkflows(c *gin.Context) {
	ws := s.orchestrator.Workflows()
	out := make([]WorkflowResponse, 0, len(ws))
	for _, w := range ws {
		resp := WorkflowResponse{Name: w.ID(), Path: w.Path}
		for kind := range w.On {
			resp.Events = append(resp.Events, string(kind))
		}
		slices.Sort(resp.Events)
		if w.Concurrency != nil {
			resp.ConcurrencyGroup = w.Concurrency.Group
			resp.CancelInProgress = w.Concurrency.CancelInProgress
		}
		for _, j := range w.Jobs {
			resp.Jobs = append(resp.Jobs, j.ID)
		}
		out = append(out, resp)
	}

	c.JSON(http.StatusOK, gin.H{"workflows": out})
}

// handleListWorkers reports worker pool state
func (s *Server) handleListWorkers(c *gin.Context) {
	if s.pool == nil {
		abort(c, http.StatusServiceUnavailable, "POOL_NOT_AVAILABLE", "Worker pool is not configured")
		return
	}

	resp := gin.H{
		"size":    s.pool.Size(),
		"workers": s.pool.GetStatus(),
		"running": s.pool.Running(),
	}
	if h := s.pool.Health(); h != nil {
		resp["health"] = h.GetStatus()
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      resp,
		"timestamp": time.Now().UTC(),
	})
}
