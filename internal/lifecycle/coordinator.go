// Package lifecycle drives batch jobs through their status progression: it
// provisions and tears down the cluster resource graph and reconciles
// database records against cluster observations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/apperrors"
	"taskrunner/internal/batchjob"
	"taskrunner/internal/cluster"
	"taskrunner/internal/observability"
	"taskrunner/internal/storage"
)

// Cluster is the capability surface the lifecycle engine needs from the
// cluster adapter.
type Cluster interface {
	EnsureSecret(ctx context.Context) error
	CreatePVC(ctx context.Context, name string) error
	DeletePVC(ctx context.Context, name string) error
	CreateJob(ctx context.Context, job *batchjob.BatchJob) error
	CreateCleanupJob(ctx context.Context, job *batchjob.BatchJob) error
	DeleteJob(ctx context.Context, name string) error
	ListJobs(ctx context.Context) (*cluster.Jobs, error)
}

// Repository is the persistence surface the lifecycle engine needs.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*batchjob.BatchJob, error)
	ListByStatuses(ctx context.Context, statuses ...batchjob.Status) ([]batchjob.BatchJob, error)
	Update(ctx context.Context, id uuid.UUID, delta map[string]any) error
	UpdateStatus(ctx context.Context, id uuid.UUID, to batchjob.Status, delta map[string]any, from ...batchjob.Status) (bool, error)
	ClearInputZip(ctx context.Context, id uuid.UUID) error
}

// Coordinator executes the provisioning, teardown and cancellation
// protocols for one batch job at a time. All status writes go through
// compare-and-set so a concurrent cancel or reconciler transition wins
// cleanly.
type Coordinator struct {
	repo    Repository
	cluster Cluster
	store   storage.ObjectStore
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator. metrics may be nil.
func NewCoordinator(repo Repository, cl Cluster, store storage.ObjectStore, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		repo:    repo,
		cluster: cl,
		store:   store,
		metrics: metrics,
		logger:  slog.With("component", "coordinator"),
	}
}

// Provision stages the cluster resource graph for a record and launches its
// Job. Delivery is at-least-once: the record lookup short-circuits when the
// status is no longer created, and each step tolerates already-existing
// resources, so a redelivered task converges on the same resource set.
func (c *Coordinator) Provision(ctx context.Context, id uuid.UUID) error {
	job, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != batchjob.StatusCreated {
		c.logger.Info("Skipping provisioning, record is no longer pending",
			"jobId", id, "status", job.Status)
		return nil
	}

	logger := c.logger.With("jobId", id, "name", job.Name)
	start := time.Now()

	var outputPVCCreated, inputPVCCreated, inputUploaded bool

	err = c.cluster.EnsureSecret(ctx)

	if err == nil {
		err = tolerateExisting(c.cluster.CreatePVC(ctx, job.OutputPVCName()))
		outputPVCCreated = err == nil
	}

	if err == nil && job.HasInputFile {
		err = tolerateExisting(c.cluster.CreatePVC(ctx, job.InputPVCName()))
		inputPVCCreated = err == nil

		// An empty payload with has_input_file set means a previous attempt
		// already uploaded and cleared it.
		if err == nil && len(job.Parameters.InputZip) > 0 {
			err = c.store.Upload(ctx, job.InputObjectKey(), job.Parameters.InputZip)
			inputUploaded = err == nil
			if err == nil {
				if clearErr := c.repo.ClearInputZip(ctx, id); clearErr != nil {
					logger.Warn("Failed to clear staged input payload", "error", clearErr)
				}
			}
		}
	}

	if err == nil {
		err = tolerateExisting(c.cluster.CreateJob(ctx, job))
	}

	if err != nil {
		logger.Error("Provisioning failed, rolling back", "error", err)
		c.compensate(ctx, job, inputUploaded, inputPVCCreated, outputPVCCreated)

		delta := map[string]any{
			"stop_time":         time.Now().UTC(),
			"last_pod_response": diagnosticPayload(err),
			"input_zip":         nil,
		}
		moved, casErr := c.repo.UpdateStatus(ctx, id, batchjob.StatusFailed, delta, batchjob.StatusCreated)
		if casErr != nil {
			logger.Error("Failed to record provisioning failure", "error", casErr)
		}
		if !moved {
			// A concurrent cancel already took the record terminal; its
			// teardown deletes the same resources.
			logger.Info("Record left created state during provisioning")
		}
		if c.metrics != nil {
			c.metrics.RecordTransition(ctx, string(batchjob.StatusFailed))
		}
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordProvisioned(ctx, time.Since(start).Seconds())
	}
	logger.Info("Provisioned batch job", "hasInput", job.HasInputFile)
	return nil
}

// compensate deletes resources staged by a failed provisioning attempt, in
// reverse creation order. Best effort: missing resources are fine and the
// shared credentials Secret is never removed.
func (c *Coordinator) compensate(ctx context.Context, job *batchjob.BatchJob, inputUploaded, inputPVCCreated, outputPVCCreated bool) {
	if inputUploaded {
		if err := c.store.Delete(ctx, job.InputObjectKey()); err != nil {
			c.logger.Warn("Compensation: failed to delete input object", "key", job.InputObjectKey(), "error", err)
		}
	}
	if inputPVCCreated {
		if err := c.cluster.DeletePVC(ctx, job.InputPVCName()); err != nil {
			c.logger.Warn("Compensation: failed to delete input PVC", "name", job.InputPVCName(), "error", err)
		}
	}
	if outputPVCCreated {
		if err := c.cluster.DeletePVC(ctx, job.OutputPVCName()); err != nil {
			c.logger.Warn("Compensation: failed to delete output PVC", "name", job.OutputPVCName(), "error", err)
		}
	}
}

// Teardown reclaims every cluster resource of one record. All four deletes
// run unconditionally; NotFound results are swallowed and other errors are
// logged without aborting later steps. The first real error is returned.
func (c *Coordinator) Teardown(ctx context.Context, job *batchjob.BatchJob) error {
	logger := c.logger.With("jobId", job.ID, "name", job.Name)
	logger.Info("Tearing down batch job resources")

	var firstErr error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		logger.Warn("Teardown step failed", "step", what, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	record("delete job", c.cluster.DeleteJob(ctx, job.Name))
	record("delete cleanup job", c.cluster.DeleteJob(ctx, job.CleanupJobName()))
	if job.HasInputFile {
		record("delete input pvc", c.cluster.DeletePVC(ctx, job.InputPVCName()))
	}
	record("delete output pvc", c.cluster.DeletePVC(ctx, job.OutputPVCName()))

	return firstErr
}

// Cancel stops a running or cleaning batch job: the record transitions to
// killed via compare-and-set and the resource graph is torn down. Cancelling
// any other status is an invalid parameter error naming the current status.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (*batchjob.BatchJob, error) {
	job, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != batchjob.StatusRunning && job.Status != batchjob.StatusCleaning {
		return nil, apperrors.InvalidState(
			fmt.Sprintf("Can't stop batch job %s. Status is: %s.", id, job.Status))
	}

	now := time.Now().UTC()
	moved, err := c.repo.UpdateStatus(ctx, id, batchjob.StatusKilled,
		map[string]any{"stop_time": now},
		batchjob.StatusRunning, batchjob.StatusCleaning)
	if err != nil {
		return nil, err
	}
	if !moved {
		fresh, getErr := c.repo.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.InvalidState(
			fmt.Sprintf("Can't stop batch job %s. Status is: %s.", id, fresh.Status))
	}

	if c.metrics != nil {
		c.metrics.RecordTransition(ctx, string(batchjob.StatusKilled))
	}
	c.logger.Info("Batch job killed", "jobId", id, "name", job.Name)

	if err := c.Teardown(ctx, job); err != nil {
		return nil, err
	}

	job.Status = batchjob.StatusKilled
	job.StopTime = &now
	return job, nil
}

// tolerateExisting maps already-exists conflicts to success so provisioning
// retries converge instead of failing.
func tolerateExisting(err error) error {
	if errors.Is(err, apperrors.ErrConflict) {
		return nil
	}
	return err
}

// diagnosticPayload shapes an error into the last_pod_response column.
func diagnosticPayload(err error) batchjob.JSONMap {
	payload := batchjob.JSONMap{"error": err.Error()}
	switch detail := apperrors.DetailOf(err).(type) {
	case nil:
	case map[string]any:
		payload["cluster_response"] = detail
	default:
		payload["cluster_response"] = fmt.Sprint(detail)
	}
	return payload
}
