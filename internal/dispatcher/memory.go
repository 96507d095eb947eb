package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/observability"
	"taskrunner/pkg/backoff"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize int // pending tasks buffer (default: 1024)
	Workers    int // concurrent provisioning goroutines (default: 4)
	MaxRetries int // redelivery attempts per task (default: 3)
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// MemoryDispatcher runs provisioning on an in-process worker pool. Used when
// no broker is configured and in tests. Unlike the broker-backed dispatcher
// the queue is not durable: tasks pending at a crash are recovered only by
// the reconciler sweeping stale created records.
type MemoryDispatcher struct {
	queue       chan uuid.UUID
	provisioner Provisioner
	config      MemoryConfig
	logger      *slog.Logger
	metrics     *observability.Metrics

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory creates and starts an in-memory dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, p Provisioner, metrics *observability.Metrics) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:       make(chan uuid.UUID, cfg.BufferSize),
		provisioner: p,
		config:      cfg,
		logger:      slog.With("component", "dispatcher"),
		metrics:     metrics,
		shutdown:    make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueDepth()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Enqueue queues a provisioning task. Non-blocking; returns ErrQueueFull
// when the buffer is exhausted.
func (d *MemoryDispatcher) Enqueue(ctx context.Context, id uuid.UUID) error {
	if d.closed.Load() {
		return fmt.Errorf("dispatcher is closed")
	}
	select {
	case d.queue <- id:
		return nil
	default:
		d.logger.Warn("Provisioning task dropped, buffer full", "jobId", id)
		return ErrQueueFull
	}
}

// Close stops the workers, draining queued tasks until the context deadline.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case id := <-d.queue:
			d.provision(id)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case id := <-d.queue:
			d.provision(id)
		default:
			return
		}
	}
}

// provision runs one task with retry. Provisioning is safe to re-run: the
// coordinator short-circuits on records that already left created.
func (d *MemoryDispatcher) provision(id uuid.UUID) {
	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-d.shutdown:
				// During drain the remaining attempts run without the wait.
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
		lastErr = d.provisioner.Provision(ctx, id)
		cancel()
		if lastErr == nil {
			return
		}
		d.logger.Warn("Provisioning attempt failed", "jobId", id, "attempt", attempt+1, "error", lastErr)
	}
	d.logger.Error("Provisioning gave up", "jobId", id, "error", lastErr)
}

func (d *MemoryDispatcher) reportQueueDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueDepth(context.Background(), int64(len(d.queue)))
		}
	}
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
