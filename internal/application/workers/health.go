package workers

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor periodically samples the pool and reports job backlog and
// worker state to the logs and metrics.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	running     bool
	stopCh      chan struct{}
	lastCrashed int64
}

// HealthStatus is a snapshot of the pool: worker states plus the job
// instances it is running and holding back.
type HealthStatus struct {
	TotalWorkers   int `json:"total_workers"`
	IdleWorkers    int `json:"idle_workers"`
	BusyWorkers    int `json:"busy_workers"`
	StoppedWorkers int `json:"stopped_workers"`
	// QueuedJobs counts ready job instances waiting for a free worker.
	QueuedJobs int `json:"queued_jobs"`
	// RunningJobs lists "<run id>/<job instance id>" for every busy worker.
	RunningJobs   []string  `json:"running_jobs"`
	CompletedJobs int64     `json:"completed_jobs"`
	CrashedJobs   int64     `json:"crashed_jobs"`
	Healthy       bool      `json:"healthy"`
	Timestamp     time.Time `json:"timestamp"`
}

// Saturated reports whether every worker is busy and jobs are waiting.
func (s *HealthStatus) Saturated() bool {
	return s.QueuedJobs > 0 && s.IdleWorkers == 0
}

// NewHealthMonitor creates a health monitor sampling every interval
// (30s when interval is not positive).
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth samples the pool, records gauges and warns about a job
// backlog or jobs that crashed since the previous sample.
func (h *HealthMonitor) checkHealth() {
	status := h.GetStatus()

	h.logger.Debug("worker pool health check",
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
		zap.Int("queued_jobs", status.QueuedJobs),
		zap.Strings("running_jobs", status.RunningJobs),
		zap.Int64("completed_jobs", status.CompletedJobs),
		zap.Bool("healthy", status.Healthy))

	if h.pool.metrics != nil {
		h.pool.metrics.RecordWorkerPoolStatus(
			status.IdleWorkers,
			status.BusyWorkers,
			status.StoppedWorkers,
			status.QueuedJobs,
		)
	}

	if !status.Healthy {
		h.logger.Warn("worker pool is unhealthy",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Int("total", status.TotalWorkers))
	}

	if status.Saturated() {
		h.logger.Warn("jobs are waiting for a free worker",
			zap.Int("queued_jobs", status.QueuedJobs),
			zap.Int("workers", status.TotalWorkers))
	}

	h.mu.Lock()
	crashed := status.CrashedJobs - h.lastCrashed
	h.lastCrashed = status.CrashedJobs
	h.mu.Unlock()
	if crashed > 0 {
		h.logger.Warn("jobs crashed since last health check", zap.Int64("crashed", crashed))
	}
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	status := &HealthStatus{
		QueuedJobs:    h.pool.Queued(),
		CompletedJobs: h.pool.completed.Load(),
		CrashedJobs:   h.pool.crashed.Load(),
		Timestamp:     time.Now(),
	}

	for _, s := range h.pool.GetStatus() {
		status.TotalWorkers++
		switch s {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}

	running := h.pool.Running()
	status.RunningJobs = make([]string, 0, len(running))
	for _, task := range running {
		status.RunningJobs = append(status.RunningJobs, task)
	}
	slices.Sort(status.RunningJobs)

	// a saturated pool is still healthy; only stopped workers are not
	status.Healthy = status.TotalWorkers > 0 && status.StoppedWorkers == 0
	return status
}

// IsHealthy returns true if the worker pool is healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
