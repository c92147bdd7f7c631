package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/api"
	"github.com/shehryarbajwa/browserpool/internal/artifact"
	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/dispatcher"
	"github.com/shehryarbajwa/browserpool/internal/monitor"
	"github.com/shehryarbajwa/browserpool/internal/observability"
	"github.com/shehryarbajwa/browserpool/internal/pool"
	"github.com/shehryarbajwa/browserpool/internal/ratelimit"
)

const (
	prepareTimeout = 5 * time.Minute
	httpDrainTime  = 10 * time.Second
	taskDrainTime  = 30 * time.Second
	poolCloseTime  = 30 * time.Second
)

func newServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			observability.InitializeLogger(cfg.Logger)
			defer observability.Sync()

			return serve(cmd.Context(), cfg, observability.GetLogger())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting browserpool.",
		zap.String("version", Version),
		zap.String("engine", cfg.Browser.Engine),
		zap.Int("capacity", cfg.Pool.Capacity),
		zap.Int("min_warm", cfg.Pool.MinWarm))

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(cfg.Logger.ServiceName, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to flush traces.", zap.Error(err))
			}
		}()
	}

	engine, err := browser.NewEngine(cfg.Browser, logger)
	if err != nil {
		return err
	}
	if p, ok := engine.(browser.Preparer); ok {
		prepCtx, cancel := context.WithTimeout(ctx, prepareTimeout)
		err := p.Prepare(prepCtx)
		cancel()
		if err != nil {
			_ = engine.Close(context.Background())
			return fmt.Errorf("failed to prepare %s engine: %w", engine.Name(), err)
		}
	}

	store, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		_ = engine.Close(context.Background())
		return err
	}

	sessions := pool.New(cfg.Pool, engine, logger)
	executor := browser.NewExecutor(cfg.Browser, logger, browser.WithHeartbeat(cfg.Monitor.StaleThreshold/4))
	tasks := dispatcher.New(cfg.Dispatcher, sessions, executor, store, logger)
	tasks.Start()

	monCtx, stopMonitor := context.WithCancel(context.Background())
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		monitor.New(cfg.Monitor, cfg.Pool.MinWarm, sessions, logger).Run(monCtx)
	}()

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	handler := api.NewHandler(tasks, sessions, store, logger)
	srv := api.NewServer(cfg.Server, handler.SetupRoutes(limiter))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening.", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case runErr = <-serveErr:
		logger.Error("HTTP server failed.", zap.Error(runErr))
	}

	// stop taking requests, then let in-flight tasks finish, then tear down browsers
	httpCtx, cancel := context.WithTimeout(context.Background(), httpDrainTime)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Warn("HTTP server forced to shut down.", zap.Error(err))
	}
	cancel()

	taskCtx, cancel := context.WithTimeout(context.Background(), taskDrainTime)
	if err := tasks.Shutdown(taskCtx); err != nil {
		logger.Warn("Running tasks were aborted.", zap.Error(err))
	}
	cancel()

	stopMonitor()
	<-monDone

	poolCtx, cancel := context.WithTimeout(context.Background(), poolCloseTime)
	defer cancel()
	if err := sessions.Close(poolCtx); err != nil {
		logger.Warn("Pool did not close cleanly.", zap.Error(err))
	}

	logger.Info("Stopped.")
	return runErr
}
