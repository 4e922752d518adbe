package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagci/pkg/ports"
	"go.uber.org/zap"
)

// ErrPoolStopped is returned by Submit once the pool is shutting down.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is a unit of work, typically one job instance.
type Task struct {
	ID  string
	Run func()
}

// Pool manages a pool of worker goroutines
type Pool struct {
	size    int
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	tasks   chan Task
	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex

	// queued counts Submit callers waiting for a free worker.
	queued    atomic.Int64
	completed atomic.Int64
	crashed   atomic.Int64
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	task    string
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. metrics may be nil.
func NewPool(
	size int,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		metrics: metrics,
		logger:  logger,
		tasks:   make(chan Task),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < size; i++ {
		pool.workers[i] = &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    pool,
			status:  WorkerStatusStopped,
			lastJob: time.Now(),
		}
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}
	p.started = true

	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for _, w := range p.workers {
		w.setStatus(WorkerStatusIdle, "")
		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit hands task to an idle worker, blocking until one is free, ctx is
// done or the pool stops.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolStopped
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	p.queued.Add(1)
	defer p.queued.Add(-1)
	p.logger.Debug("task waiting for a worker",
		zap.String("task_id", task.ID),
		zap.Int64("queued", p.queued.Load()))

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for running tasks to return.
// Callers cancel the contexts of in-flight tasks first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// Queued returns the number of tasks waiting for a free worker.
func (p *Pool) Queued() int {
	return int(p.queued.Load())
}

// Running returns the ID of the task each busy worker is executing, keyed by
// worker ID.
func (p *Pool) Running() map[string]string {
	running := make(map[string]string)
	for _, w := range p.workers {
		w.mu.RLock()
		if w.status == WorkerStatusBusy {
			running[w.id] = w.task
		}
		w.mu.RUnlock()
	}
	return running
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped, "")
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case task := <-w.pool.tasks:
			w.execute(task)
		}
	}
}

// execute runs one task, recovering from panics so the worker survives.
func (w *worker) execute(task Task) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.task = task.ID
	w.lastJob = time.Now()
	w.mu.Unlock()

	defer w.setStatus(WorkerStatusIdle, "")
	defer func() {
		if r := recover(); r != nil {
			w.pool.crashed.Add(1)
			w.pool.logger.Error("task panicked",
				zap.String("worker_id", w.id),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	w.pool.logger.Debug("executing task",
		zap.String("worker_id", w.id),
		zap.String("task_id", task.ID))

	task.Run()
	w.pool.completed.Add(1)
}

func (w *worker) setStatus(status WorkerStatus, task string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.task = task
}
