// sdqueue-service is the HTTP API server for the generation job queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sdqueue/internal/api"
	"sdqueue/internal/compute"
	"sdqueue/internal/config"
	"sdqueue/internal/dispatcher"
	"sdqueue/internal/health"
	"sdqueue/internal/job"
	"sdqueue/internal/observability"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if wd, err := os.Getwd(); err == nil {
		if path, err := config.LoadDotEnv(wd, 2); err != nil {
			slog.Warn("Failed to load .env file", "path", path, "error", err)
		} else if path != "" {
			slog.Info("Loaded .env file", "path", path)
		}
	}

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	computeCfg := compute.LoadConfigFromEnv()
	retentionCfg := job.LoadRetentionConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	computation, err := compute.New(computeCfg)
	if err != nil {
		return err
	}
	slog.Info("Computation backend ready",
		"backend", computeCfg.Backend,
		"steps", computeCfg.Steps,
	)

	// Queue, worker and service
	store := job.NewStore()
	queue := job.NewQueue()
	retention := job.NewRetention(retentionCfg, metrics)
	worker := job.NewWorker(store, queue, computation, job.WorkerOptions{
		Retention: retention,
		Notifier:  job.NewNotifier(eventDispatcher),
		Metrics:   metrics,
	})
	// The worker outlives the signal context so the in-flight job can finish.
	if err := worker.Start(context.Background()); err != nil {
		return err
	}
	jobService := job.NewService(store, queue, worker, metrics)

	sweeper := cron.New()
	scheduled, err := retention.Schedule(sweeper, store)
	if err != nil {
		return err
	}
	if scheduled {
		sweeper.Start()
	}

	// Create health checker
	healthChecker := health.NewChecker()
	healthChecker.Register("worker", worker)
	healthChecker.RegisterOptional("callbacks", eventDispatcher)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:      jobService,
		Metrics:         metrics,
		HealthChecker:   healthChecker,
		Dispatcher:      eventDispatcher,
		APIKey:          svcCfg.APIKey,
		SubmitRateLimit: svcCfg.SubmitRateLimit,
		SubmitRateBurst: svcCfg.SubmitRateBurst,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		// Phase 1: Mark service as unhealthy for load balancer draining.
		// Skipped when a server failed, there is no traffic to drain.
		healthChecker.SetShuttingDown()
		if ctx.Err() != nil && svcCfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: Stop accepting new connections, finish in-flight requests
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}

		// Phase 3: Let the in-flight job finish, cancelling it on timeout
		if scheduled {
			<-sweeper.Stop().Done()
		}
		workerCtx, workerCancel := context.WithTimeout(context.Background(), svcCfg.WorkerStopTimeout)
		defer workerCancel()
		if err := worker.Stop(workerCtx); err != nil {
			slog.Warn("Worker did not stop in time", "error", err)
		}

		// Phase 4: Drain callback dispatcher
		slog.Info("Draining callback dispatcher")
		dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dispatcherCancel()
		if err := eventDispatcher.Close(dispatcherCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()

	stats := jobService.Stats()
	dstats := eventDispatcher.Stats()
	slog.Info("Shutdown complete",
		"processed", stats.Worker.Processed,
		"succeeded", stats.Worker.Succeeded,
		"failed", stats.Worker.Failed,
		"abandoned", stats.QueueDepth,
		"callbacksDelivered", dstats.Delivered,
		"callbacksFailed", dstats.Failed,
		"callbacksDropped", dstats.Dropped,
		"callbacksShed", dstats.Shed,
	)
	return err
}
