package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"taskrunner/internal/apperrors"
	"taskrunner/internal/batchjob"
	"taskrunner/pkg/circuitbreaker"
)

// ErrCircuitOpen is returned while the cluster breaker is cooling down after
// consecutive API failures.
var ErrCircuitOpen = errors.New("cluster circuit breaker open")

const breakerKey = "cluster"

// Config holds adapter settings beyond manifest rendering.
type Config struct {
	Manifest            ManifestConfig
	CredentialsFilePath string
	CallTimeout         time.Duration // per-call bound, default 30s
}

// Adapter performs Secret/PVC/Job CRUD for batch job records. It is
// stateless; every call is bounded by CallTimeout and guarded by a circuit
// breaker so a dead API server fails fast.
type Adapter struct {
	client   kubernetes.Interface
	cfg      Config
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewAdapter creates an adapter on an existing clientset.
func NewAdapter(client kubernetes.Interface, cfg Config) *Adapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Adapter{
		client:   client,
		cfg:      cfg,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		logger:   slog.With("component", "cluster"),
	}
}

// Observation is the observed status of one cluster Job.
type Observation struct {
	Name           string
	Active         int32
	Succeeded      int32
	Failed         int32
	StartTime      *time.Time
	CompletionTime *time.Time
}

// Jobs holds one listing pass over the namespace, split into primary and
// cleanup Jobs, both keyed by batch job name.
type Jobs struct {
	Batch   map[string]Observation
	Cleanup map[string]Observation
}

// EnsureSecret creates the shared credentials Secret if absent. Idempotent.
func (a *Adapter) EnsureSecret(ctx context.Context) error {
	const op = "cluster.ensureSecret"
	return a.call(ctx, op, func(ctx context.Context) error {
		_, err := a.client.CoreV1().Secrets(a.namespace()).Get(ctx, SecretName, metav1.GetOptions{})
		if err == nil {
			return nil
		}
		if !apierrors.IsNotFound(err) {
			return a.clusterError(op, err)
		}

		credentials, err := os.ReadFile(a.cfg.CredentialsFilePath)
		if err != nil {
			return apperrors.Storage(op, err)
		}

		a.logger.Info("Creating credentials secret", "name", SecretName)
		_, err = a.client.CoreV1().Secrets(a.namespace()).
			Create(ctx, RenderSecret(a.cfg.Manifest, credentials), metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return a.clusterError(op, err)
		}
		return nil
	})
}

// CreatePVC creates a ReadWriteOnce claim. An existing claim is a conflict,
// which provisioning retries treat as success.
func (a *Adapter) CreatePVC(ctx context.Context, name string) error {
	const op = "cluster.createPVC"
	return a.call(ctx, op, func(ctx context.Context) error {
		a.logger.Info("Creating PVC", "name", name)
		_, err := a.client.CoreV1().PersistentVolumeClaims(a.namespace()).
			Create(ctx, RenderPVC(name, a.cfg.Manifest), metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return apperrors.Conflict("pvc", name, "persistent volume claim already exists")
		}
		if err != nil {
			return a.clusterError(op, err)
		}
		return nil
	})
}

// DeletePVC deletes a claim; NotFound is success.
func (a *Adapter) DeletePVC(ctx context.Context, name string) error {
	const op = "cluster.deletePVC"
	return a.call(ctx, op, func(ctx context.Context) error {
		a.logger.Info("Deleting PVC", "name", name)
		err := a.client.CoreV1().PersistentVolumeClaims(a.namespace()).
			Delete(ctx, name, deleteOptions())
		if err != nil && !apierrors.IsNotFound(err) {
			return a.clusterError(op, err)
		}
		return nil
	})
}

// CreateJob renders and submits the primary Job for a record.
func (a *Adapter) CreateJob(ctx context.Context, job *batchjob.BatchJob) error {
	const op = "cluster.createJob"
	manifest, err := RenderJob(job, a.cfg.Manifest)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	return a.call(ctx, op, func(ctx context.Context) error {
		a.logger.Info("Creating job", "name", job.Name)
		_, err := a.client.BatchV1().Jobs(a.namespace()).Create(ctx, manifest, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return apperrors.Conflict("job", job.Name, "job already exists")
		}
		if err != nil {
			return a.clusterError(op, err)
		}
		return nil
	})
}

// CreateCleanupJob renders and submits the cleanup Job for a record.
func (a *Adapter) CreateCleanupJob(ctx context.Context, job *batchjob.BatchJob) error {
	const op = "cluster.createCleanupJob"
	manifest, err := RenderCleanupJob(job, a.cfg.Manifest)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	return a.call(ctx, op, func(ctx context.Context) error {
		a.logger.Info("Creating cleanup job", "name", job.CleanupJobName())
		_, err := a.client.BatchV1().Jobs(a.namespace()).Create(ctx, manifest, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return apperrors.Conflict("job", job.CleanupJobName(), "cleanup job already exists")
		}
		if err != nil {
			return a.clusterError(op, err)
		}
		return nil
	})
}

// DeleteJob deletes a Job with background propagation so pods are reaped.
// NotFound is success.
func (a *Adapter) DeleteJob(ctx context.Context, name string) error {
	const op = "cluster.deleteJob"
	return a.call(ctx, op, func(ctx context.Context) error {
		a.logger.Info("Deleting job", "name", name)
		err := a.client.BatchV1().Jobs(a.namespace()).Delete(ctx, name, deleteOptions())
		if err != nil && !apierrors.IsNotFound(err) {
			return a.clusterError(op, err)
		}
		return nil
	})
}

// ListJobs returns the observed status of all managed Jobs in the namespace.
func (a *Adapter) ListJobs(ctx context.Context) (*Jobs, error) {
	const op = "cluster.listJobs"
	jobs := &Jobs{
		Batch:   map[string]Observation{},
		Cleanup: map[string]Observation{},
	}
	err := a.call(ctx, op, func(ctx context.Context) error {
		list, err := a.client.BatchV1().Jobs(a.namespace()).
			List(ctx, metav1.ListOptions{LabelSelector: JobTypeLabel})
		if err != nil {
			return a.clusterError(op, err)
		}
		for i := range list.Items {
			item := &list.Items[i]
			obs := Observation{
				Name:      item.Name,
				Active:    item.Status.Active,
				Succeeded: item.Status.Succeeded,
				Failed:    item.Status.Failed,
			}
			if item.Status.StartTime != nil {
				t := item.Status.StartTime.Time
				obs.StartTime = &t
			}
			if item.Status.CompletionTime != nil {
				t := item.Status.CompletionTime.Time
				obs.CompletionTime = &t
			}
			if item.Labels[JobTypeLabel] == JobTypeCleanup {
				related := item.Labels[RelatedJobLabel]
				if related == "" {
					related, _ = batchjob.RelatedJobName(item.Name)
				}
				jobs.Cleanup[related] = obs
			} else {
				jobs.Batch[item.Name] = obs
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Ready verifies the API server is reachable, used by the readiness probe.
func (a *Adapter) Ready(ctx context.Context) error {
	_, err := a.client.Discovery().ServerVersion()
	return err
}

func (a *Adapter) namespace() string {
	return a.cfg.Manifest.Namespace
}

// call bounds one API operation with the configured timeout and routes it
// through the cluster circuit breaker. Tolerated conditions (conflicts and
// not-found results already mapped by the operation) do not trip the breaker.
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	breaker := a.breakers.Get(breakerKey)
	if !breaker.Allow() {
		return apperrors.Cluster(op, nil, ErrCircuitOpen)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	err := fn(ctx)
	if errors.Is(err, apperrors.ErrCluster) {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	return err
}

// clusterError wraps an API failure, attaching the raw status payload for
// diagnostics (surfaced to clients as last_pod_response).
func (a *Adapter) clusterError(op string, err error) error {
	a.logger.Error("Cluster API call failed", "op", op, "error", err)
	return apperrors.Cluster(op, rawResponse(err), err)
}

// rawResponse extracts the structured API status from an error when present.
func rawResponse(err error) any {
	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) {
		if b, marshalErr := json.Marshal(statusErr.ErrStatus); marshalErr == nil {
			var payload map[string]any
			if json.Unmarshal(b, &payload) == nil {
				return payload
			}
		}
	}
	return err.Error()
}

func deleteOptions() metav1.DeleteOptions {
	propagation := metav1.DeletePropagationBackground
	var grace int64
	return metav1.DeleteOptions{
		PropagationPolicy:  &propagation,
		GracePeriodSeconds: &grace,
	}
}
