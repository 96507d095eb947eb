// taskrunner-api is the HTTP API server for managing batch jobs on a
// Kubernetes cluster.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskrunner/internal/api"
	"taskrunner/internal/batchjob"
	"taskrunner/internal/cluster"
	"taskrunner/internal/config"
	"taskrunner/internal/dispatcher"
	"taskrunner/internal/health"
	"taskrunner/internal/lifecycle"
	"taskrunner/internal/observability"
	"taskrunner/internal/storage"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.SlogLevel(cfg.LogLevel),
	})))

	if err := run(cfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	db, err := batchjob.OpenPostgres(cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	repo := batchjob.NewRepository(db)
	slog.Info("Connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	clientset, err := cluster.NewClientset(cfg.Kubernetes)
	if err != nil {
		return fmt.Errorf("create cluster client: %w", err)
	}
	adapter := cluster.NewAdapter(clientset, cluster.Config{
		Manifest: cluster.ManifestConfig{
			Namespace:    cfg.Kubernetes.Namespace,
			BucketName:   cfg.Google.BucketName,
			GCSFuseImage: cfg.GCSFuseImage,
			BackoffLimit: cfg.JobBackoffLimit,
		},
		CredentialsFilePath: cfg.Google.CredentialsFilePath,
	})

	store, err := storage.NewGCS(ctx, cfg.Google.CredentialsFilePath, cfg.Google.BucketName)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer store.Close()

	coordinator := lifecycle.NewCoordinator(repo, adapter, store, metrics)

	// With a broker, provisioning tasks go to the durable queue consumed by
	// taskrunner-worker. Without one, an in-process pool handles them and a
	// crash between insert and provisioning is recovered by the reconciler's
	// grace sweep.
	var taskDispatcher dispatcher.Dispatcher
	if cfg.BrokerURL != "" {
		md, err := dispatcher.NewMachinery(cfg.BrokerURL)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		taskDispatcher = md
		slog.Info("Using broker-backed dispatcher")
	} else {
		taskDispatcher = dispatcher.NewMemory(dispatcher.MemoryConfig{
			Workers: cfg.WorkerConcurrency,
		}, coordinator, metrics)
		slog.Warn("No BROKER_URL configured, provisioning runs in-process")
	}

	healthChecker := health.NewChecker(map[string]health.Pinger{
		"cluster":  health.PingFunc(adapter.Ready),
		"database": health.PingFunc(repo.Ping),
	})

	router := api.NewRouter(api.RouterConfig{
		Repository:    repo,
		Canceller:     coordinator,
		Dispatcher:    taskDispatcher,
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("API server listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("Metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Mark unready so load balancers drain before connections close.
	healthChecker.SetShuttingDown()
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := taskDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Cluster Jobs keep running; the reconciler picks their status up on the
	// next worker tick.
	slog.Info("Shutdown complete")
	return nil
}
