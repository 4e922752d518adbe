package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/dagci/internal/config"
	"github.com/aescanero/dagci/pkg/api/grpc"
	"github.com/aescanero/dagci/pkg/api/http"
	"github.com/aescanero/dagci/pkg/api/websocket"
	"github.com/aescanero/dagci/pkg/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a service accepting trigger events over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file to load before the environment (default .env)")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting dagci",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	workflows, err := workflow.LoadDir(cfg.WorkflowDir)
	if err != nil {
		return err
	}
	logger.Info("loaded workflows",
		zap.String("dir", cfg.WorkflowDir),
		zap.Int("count", len(workflows)))

	ctx := context.Background()
	eng, err := buildEngine(ctx, cfg, workflows, logger)
	if err != nil {
		return err
	}

	httpServer := http.NewServer(&http.Config{
		Addr:         cfg.GetHTTPAddr(),
		Orchestrator: eng.manager,
		Pool:         eng.pool,
		Gatherer:     eng.registry,
		Logger:       logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(eng.eventBus, eng.manager, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Addr:    cfg.GetGRPCAddr(),
		Healthy: eng.pool.Health().IsHealthy,
		Logger:  logger,
	})
	if err != nil {
		eng.shutdown(ctx)
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("dagci started",
		zap.String("http_addr", cfg.GetHTTPAddr()),
		zap.String("grpc_addr", cfg.GetGRPCAddr()),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case serveErr = <-errCh:
		logger.Error("server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}
	eng.shutdown(shutdownCtx)

	logger.Info("dagci shut down complete")
	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return nil
}
