package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/batchjob"
	"taskrunner/internal/cluster"
	"taskrunner/internal/observability"
	"taskrunner/internal/storage"
)

// defaultGraceTicks is how many consecutive ticks a job may be invisible on
// the cluster before it is considered failed. Two ticks absorb the eventual
// consistency of the Kubernetes API between Job creation and listing.
const defaultGraceTicks = 2

// Reconciler periodically diffs cluster observations against repository
// records and advances job statuses. Reconciliation is one-way, cluster →
// database; every terminal transition triggers teardown.
type Reconciler struct {
	repo        Repository
	cluster     Cluster
	coordinator *Coordinator
	store       storage.ObjectStore
	metrics     *observability.Metrics
	logger      *slog.Logger

	// mu serializes ticks: a tick that fires while the previous one is
	// still running is skipped, not queued.
	mu         sync.Mutex
	missing    map[uuid.UUID]int
	graceTicks int
}

// NewReconciler creates a reconciler. metrics may be nil.
func NewReconciler(repo Repository, cl Cluster, co *Coordinator, store storage.ObjectStore, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		repo:        repo,
		cluster:     cl,
		coordinator: co,
		store:       store,
		metrics:     metrics,
		logger:      slog.With("component", "reconciler"),
		missing:     make(map[uuid.UUID]int),
		graceTicks:  defaultGraceTicks,
	}
}

// Run ticks the reconciler at the given interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("Reconciler started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("Reconcile tick failed", "error", err)
			}
		}
	}
}

// Tick runs one synchronization pass. Overlapping invocations are skipped.
func (r *Reconciler) Tick(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.logger.Warn("Skipping tick, previous tick still running")
		return nil
	}
	defer r.mu.Unlock()

	start := time.Now()

	records, err := r.repo.ListByStatuses(ctx,
		batchjob.StatusCreated, batchjob.StatusRunning, batchjob.StatusCleaning)
	if err != nil {
		return err
	}

	jobs, err := r.cluster.ListJobs(ctx)
	if err != nil {
		// Cluster unavailable; leave all records untouched until the next tick.
		return err
	}

	for i := range records {
		rec := &records[i]
		if err := r.reconcileRecord(ctx, rec, jobs); err != nil {
			r.logger.Error("Failed to synchronize batch job",
				"jobId", rec.ID, "name", rec.Name, "error", err)
		}
	}

	r.pruneMissing(records)

	if r.metrics != nil {
		r.metrics.RecordReconcileTick(ctx, time.Since(start).Seconds(), len(records))
	}
	return nil
}

// reconcileRecord applies one record's transition based on the snapshot of
// cluster observations. Every transition is compare-and-set against the
// snapshot status, so a concurrent cancel cannot be overwritten.
func (r *Reconciler) reconcileRecord(ctx context.Context, rec *batchjob.BatchJob, jobs *cluster.Jobs) error {
	switch rec.Status {
	case batchjob.StatusCreated:
		return r.reconcileCreated(ctx, rec, jobs)
	case batchjob.StatusRunning:
		return r.reconcileRunning(ctx, rec, jobs)
	case batchjob.StatusCleaning:
		return r.reconcileCleaning(ctx, rec, jobs)
	default:
		return nil
	}
}

func (r *Reconciler) reconcileCreated(ctx context.Context, rec *batchjob.BatchJob, jobs *cluster.Jobs) error {
	obs, observed := jobs.Batch[rec.Name]
	if !observed {
		return r.tolerateMissing(ctx, rec)
	}
	delete(r.missing, rec.ID)

	if obs.Failed > 0 {
		return r.fail(ctx, rec, time.Now().UTC())
	}

	started := time.Now().UTC()
	if obs.StartTime != nil {
		started = *obs.StartTime
	}
	moved, err := r.repo.UpdateStatus(ctx, rec.ID, batchjob.StatusRunning,
		map[string]any{"start_time": started}, rec.Status)
	if err != nil {
		return err
	}
	if moved {
		r.recordTransition(ctx, batchjob.StatusRunning)
		r.logger.Info("Batch job running", "jobId", rec.ID, "name", rec.Name)
	}
	return nil
}

func (r *Reconciler) reconcileRunning(ctx context.Context, rec *batchjob.BatchJob, jobs *cluster.Jobs) error {
	obs, observed := jobs.Batch[rec.Name]
	if !observed {
		// The Job disappeared underneath a running record; after the grace
		// window this is a failure like any other.
		return r.tolerateMissing(ctx, rec)
	}
	delete(r.missing, rec.ID)

	switch {
	case obs.Succeeded > 0:
		stopped := time.Now().UTC()
		if obs.CompletionTime != nil {
			stopped = *obs.CompletionTime
		}
		moved, err := r.repo.UpdateStatus(ctx, rec.ID, batchjob.StatusCleaning,
			map[string]any{"stop_time": stopped}, rec.Status)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		r.recordTransition(ctx, batchjob.StatusCleaning)
		r.logger.Info("Batch job succeeded, launching cleanup", "jobId", rec.ID, "name", rec.Name)

		// Guarded by the CAS above: only the winner of running→cleaning
		// launches, so at most one cleanup Job exists per record.
		if err := tolerateExisting(r.cluster.CreateCleanupJob(ctx, rec)); err != nil {
			// The record stays in cleaning; the missing cleanup Job runs out
			// the grace window and fails the record on a later tick.
			return err
		}
		return nil

	case obs.Failed > 0:
		return r.fail(ctx, rec, time.Now().UTC())

	default:
		return nil
	}
}

func (r *Reconciler) reconcileCleaning(ctx context.Context, rec *batchjob.BatchJob, jobs *cluster.Jobs) error {
	obs, observed := jobs.Cleanup[rec.Name]
	if !observed {
		return r.tolerateMissing(ctx, rec)
	}
	delete(r.missing, rec.ID)

	switch {
	case obs.Succeeded > 0:
		url, err := r.store.URLFor(ctx, rec.OutputObjectKey())
		if err != nil {
			// Leave the record in cleaning and retry on the next tick.
			return err
		}
		stopped := time.Now().UTC()
		if obs.CompletionTime != nil {
			stopped = *obs.CompletionTime
		}
		moved, err := r.repo.UpdateStatus(ctx, rec.ID, batchjob.StatusSucceeded,
			map[string]any{"output_file_url": url, "stop_time": stopped}, rec.Status)
		if err != nil {
			return err
		}
		if moved {
			r.recordTransition(ctx, batchjob.StatusSucceeded)
			r.logger.Info("Batch job succeeded", "jobId", rec.ID, "name", rec.Name)
			rec.Status = batchjob.StatusSucceeded
			return r.coordinator.Teardown(ctx, rec)
		}
		return nil

	case obs.Failed > 0:
		// A failed cleanup loses the output; the record fails and resources
		// are reclaimed.
		return r.fail(ctx, rec, time.Now().UTC())

	default:
		return nil
	}
}

// tolerateMissing counts a record whose cluster Job is unobservable and
// fails it once the grace window is exhausted.
func (r *Reconciler) tolerateMissing(ctx context.Context, rec *batchjob.BatchJob) error {
	r.missing[rec.ID]++
	if r.missing[rec.ID] < r.graceTicks {
		r.logger.Warn("Cluster job not observable yet",
			"jobId", rec.ID, "name", rec.Name, "ticks", r.missing[rec.ID])
		return nil
	}
	delete(r.missing, rec.ID)
	return r.fail(ctx, rec, time.Now().UTC())
}

// fail transitions a record to failed via compare-and-set and tears its
// resources down if the transition won.
func (r *Reconciler) fail(ctx context.Context, rec *batchjob.BatchJob, stopped time.Time) error {
	moved, err := r.repo.UpdateStatus(ctx, rec.ID, batchjob.StatusFailed,
		map[string]any{"stop_time": stopped}, rec.Status)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	r.recordTransition(ctx, batchjob.StatusFailed)
	r.logger.Info("Batch job failed", "jobId", rec.ID, "name", rec.Name, "was", rec.Status)
	rec.Status = batchjob.StatusFailed
	return r.coordinator.Teardown(ctx, rec)
}

// pruneMissing drops grace counters for records no longer in the
// non-terminal working set.
func (r *Reconciler) pruneMissing(records []batchjob.BatchJob) {
	live := make(map[uuid.UUID]struct{}, len(records))
	for i := range records {
		live[records[i].ID] = struct{}{}
	}
	for id := range r.missing {
		if _, ok := live[id]; !ok {
			delete(r.missing, id)
		}
	}
}

func (r *Reconciler) recordTransition(ctx context.Context, to batchjob.Status) {
	if r.metrics != nil {
		r.metrics.RecordTransition(ctx, string(to))
	}
}
