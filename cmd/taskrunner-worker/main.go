// taskrunner-worker consumes the provisioning queue and runs the periodic
// status reconciler against the cluster.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskrunner/internal/batchjob"
	"taskrunner/internal/cluster"
	"taskrunner/internal/config"
	"taskrunner/internal/dispatcher"
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
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, _, err := observability.NewMetrics(ctx)
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
	reconciler := lifecycle.NewReconciler(repo, adapter, coordinator, store, metrics)

	workerErr := make(chan error, 1)

	// Without a broker the API process provisions in-process and this binary
	// only runs the reconciler.
	var queue *dispatcher.MachineryDispatcher
	if cfg.BrokerURL != "" {
		queue, err = dispatcher.NewMachinery(cfg.BrokerURL)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		if err := queue.RegisterProvisioner(coordinator); err != nil {
			return fmt.Errorf("register tasks: %w", err)
		}
		go func() {
			hostname, _ := os.Hostname()
			workerErr <- queue.LaunchWorker(hostname, cfg.WorkerConcurrency)
		}()
	} else {
		slog.Warn("No BROKER_URL configured, running reconciler only")
	}

	go reconciler.Run(ctx, cfg.JobSynchronizationInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-workerErr:
		if err != nil {
			slog.Error("Queue worker failed", "error", err)
			cancel()
			return err
		}
	}

	cancel()
	if queue != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := queue.Close(closeCtx); err != nil {
			slog.Warn("Queue shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}
