package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aescanero/dagci/internal/application/workers"
	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/aescanero/dagci/pkg/workflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Orchestrator is the run API the server exposes
type Orchestrator interface {
	Submit(ctx context.Context, t domain.RunTrigger) ([]*domain.Run, error)
	SubmitWorkflow(ctx context.Context, name string, t domain.RunTrigger) (*domain.Run, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter ports.RunFilter) ([]*domain.Run, error)
	CancelRun(ctx context.Context, runID string) error
	DeleteRun(ctx context.Context, runID string) error
	StepExecutions(ctx context.Context, runID string) ([]*domain.StepExecution, error)
	Workflows() []*workflow.Workflow
	ActiveRuns() int
}

// WorkerPool reports the state of the job worker pool
type WorkerPool interface {
	Size() int
	GetStatus() map[string]workers.WorkerStatus
	Running() map[string]string
	Health() *workers.HealthMonitor
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator Orchestrator
	pool         WorkerPool
	logger       *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	// Addr is the listen address, such as ":8080".
	Addr         string
	Orchestrator Orchestrator
	// Pool is optional; without it /api/v1/workers answers 503.
	Pool WorkerPool
	// Gatherer backs /metrics, defaulting to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		pool:         cfg.Pool,
		logger:       cfg.Logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/triggers", s.handleSubmitTrigger)

		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.DELETE("/runs/:id", s.handleDeleteRun)
		v1.GET("/runs/:id/status", s.handleGetStatus)
		v1.GET("/runs/:id/result", s.handleGetResult)
		v1.GET("/runs/:id/steps", s.handleGetSteps)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)

		v1.GET("/workflows", s.handleListWorkflows)
		v1.GET("/workers", s.handleListWorkers)
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetupWebSocket adds the run stream handler to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleRunStream(*gin.Context)
}) {
	s.router.GET("/api/v1/runs/:id/ws", handler.HandleRunStream)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
