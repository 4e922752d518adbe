package prometheus

import (
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsSubmitted     *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runsSuperseded    *prometheus.CounterVec
	triggersIgnored   *prometheus.CounterVec
	jobsCompleted     *prometheus.CounterVec
	stepsExecuted     *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	activeRuns        prometheus.Gauge
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	jobsQueued        prometheus.Gauge

	runDuration  *prometheus.HistogramVec
	jobDuration  *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg registers on the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagci_runs_submitted_total",
				Help: "Total number of runs started by triggers",
			},
			[]string{"workflow", "event"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagci_runs_completed_total",
				Help: "Total number of runs that reached a terminal status",
			},
			[]string{"workflow", "status"},
		),
		runsSuperseded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagci_runs_superseded_total",
				Help: "Total number of runs cancelled by a newer run in the same concurrency group",
			},
			[]string{"workflow"},
		),
		triggersIgnored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagci_triggers_ignored_total",
				Help: "Total number of triggers that matched no workflow",
			},
			[]string{"event"},
		),
		jobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagci_jobs_completed_total",
				Help: "Total number of job instances completed",
			},
			[]string{"job", "status"},
		),
		stepsExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagci_steps_executed_total",
				Help: "Total number of steps executed",
			},
			[]string{"kind", "status"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagci_cache_lookups_total",
				Help: "Dependency cache lookups by result",
			},
			[]string{"result"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagci_active_runs",
				Help: "Number of runs currently in progress",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagci_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagci_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagci_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		jobsQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagci_jobs_queued",
				Help: "Number of ready job instances waiting for a free worker",
			},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagci_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: []float64{1, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"workflow"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagci_job_duration_seconds",
				Help:    "Job instance duration in seconds",
				Buckets: []float64{1, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"job"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagci_step_duration_seconds",
				Help:    "Step duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"kind"},
		),
	}
}

// RecordRunSubmitted records a run started for a trigger
func (c *Collector) RecordRunSubmitted(workflow, event string) {
	c.runsSubmitted.WithLabelValues(workflow, event).Inc()
}

// RecordTriggerIgnored records a trigger no workflow accepted
func (c *Collector) RecordTriggerIgnored(event string) {
	c.triggersIgnored.WithLabelValues(event).Inc()
}

// RecordRunSuperseded records a run cancelled by its concurrency group
func (c *Collector) RecordRunSuperseded(workflow string) {
	c.runsSuperseded.WithLabelValues(workflow).Inc()
}

// RecordRunCompleted records a terminal run
func (c *Collector) RecordRunCompleted(workflow string, status domain.RunStatus, duration time.Duration) {
	c.runsCompleted.WithLabelValues(workflow, string(status)).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordJobCompleted records a terminal job instance
func (c *Collector) RecordJobCompleted(job string, status domain.JobStatus, duration time.Duration) {
	c.jobsCompleted.WithLabelValues(job, string(status)).Inc()
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordStepCompleted records a finished step; kind is "run" or "uses"
func (c *Collector) RecordStepCompleted(kind string, status domain.StepStatus, duration time.Duration) {
	c.stepsExecuted.WithLabelValues(kind, string(status)).Inc()
	c.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCacheLookup records a dependency cache hit or miss
func (c *Collector) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordWorkerPoolStatus records worker pool status and the number of job
// instances waiting for a worker
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped, queued int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
	c.jobsQueued.Set(float64(queued))
}

// SetActiveRuns sets the number of runs in progress
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}
