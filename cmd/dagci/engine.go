package main

import (
	"context"
	"fmt"

	"github.com/aescanero/dagci/internal/application/executor"
	"github.com/aescanero/dagci/internal/application/orchestrator"
	"github.com/aescanero/dagci/internal/application/trigger"
	"github.com/aescanero/dagci/internal/application/workers"
	"github.com/aescanero/dagci/internal/config"
	"github.com/aescanero/dagci/pkg/adapters/actions"
	cachememory "github.com/aescanero/dagci/pkg/adapters/cache/memory"
	cacheredis "github.com/aescanero/dagci/pkg/adapters/cache/redis"
	eventsmemory "github.com/aescanero/dagci/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/dagci/pkg/adapters/events/redis"
	"github.com/aescanero/dagci/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dagci/pkg/adapters/shell"
	storagememory "github.com/aescanero/dagci/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/dagci/pkg/adapters/storage/redis"
	"github.com/aescanero/dagci/pkg/adapters/storage/sqlite"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/aescanero/dagci/pkg/workflow"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// engine is the assembled orchestration stack shared by serve and run.
type engine struct {
	manager  *orchestrator.Manager
	pool     *workers.Pool
	eventBus ports.EventBus
	store    ports.RunStore
	redis    *goredis.Client
	registry *prom.Registry
	logger   *zap.Logger
}

func buildEngine(ctx context.Context, cfg *config.Config, workflows []*workflow.Workflow, logger *zap.Logger) (*engine, error) {
	e := &engine{logger: logger, registry: prom.NewRegistry()}

	if cfg.UsesRedis() {
		e.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := e.redis.Ping(ctx).Err(); err != nil {
			_ = e.redis.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	switch cfg.Storage.Backend {
	case config.BackendRedis:
		e.store = storageredis.NewRunStore(e.redis, cfg.Storage.RunTTL, logger)
	case config.BackendSQLite:
		store, err := sqlite.NewRunStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			e.close()
			return nil, err
		}
		e.store = store
	default:
		e.store = storagememory.NewInMemoryRunStore()
	}

	var cache ports.Cache
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		cache = cacheredis.NewCache(e.redis, cfg.Cache.TTL, logger)
	default:
		cache = cachememory.NewCache(cfg.Cache.TTL)
	}

	switch cfg.Events.Backend {
	case config.BackendRedis:
		e.eventBus = eventsredis.NewStreamsEventBus(e.redis, cfg.Events.StreamMaxLen, logger)
	default:
		e.eventBus = eventsmemory.NewInMemoryEventBus(logger)
	}

	metrics := prometheus.NewCollector(e.registry)
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	commands := shell.NewRunner(cfg.Exec.Shell, logger)
	registry := actions.NewRegistry(commands, cache, metrics, logger)
	registry.SetMaxCacheSize(cfg.Cache.MaxBytes)
	exec := executor.New(commands, registry, metrics, executor.Config{
		WorkspaceRoot:  cfg.Exec.WorkspaceRoot,
		KeepWorkspaces: cfg.Exec.KeepWorkspaces,
		JobTimeout:     cfg.Timeouts.JobTimeout,
		StepTimeout:    cfg.Timeouts.StepTimeout,
		LogLimit:       cfg.Exec.LogLimit,
	}, logger)

	e.pool = workers.NewPool(cfg.Workers.PoolSize, metrics, logger, cfg.Workers.HealthCheckInterval)
	if err := e.pool.Start(); err != nil {
		e.close()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.manager = orchestrator.NewManager(
		trigger.NewResolver(logger),
		orchestrator.NewValidator(),
		exec,
		e.pool,
		e.store,
		e.eventBus,
		metrics,
		orchestrator.Config{RunTimeout: cfg.Timeouts.RunTimeout},
		logger,
	)
	if err := e.manager.SetWorkflows(workflows); err != nil {
		e.shutdown(ctx)
		return nil, err
	}

	return e, nil
}

// shutdown cancels active runs, then stops the pool and closes backends
func (e *engine) shutdown(ctx context.Context) {
	if e.manager != nil {
		if err := e.manager.Shutdown(ctx); err != nil {
			e.logger.Error("orchestrator shutdown error", zap.Error(err))
		}
	}
	if e.pool != nil {
		if err := e.pool.Shutdown(ctx); err != nil {
			e.logger.Error("worker pool shutdown error", zap.Error(err))
		}
	}
	e.close()
}

func (e *engine) close() {
	if e.eventBus != nil {
		if err := e.eventBus.Close(); err != nil {
			e.logger.Error("event bus close error", zap.Error(err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Error("run store close error", zap.Error(err))
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Error("Redis close error", zap.Error(err))
		}
	}
}
