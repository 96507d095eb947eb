// Package api provides the HTTP handlers and routing for the batch job
// service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/apperrors"
	"taskrunner/internal/batchjob"
	"taskrunner/internal/dispatcher"
	"taskrunner/internal/health"
	"taskrunner/internal/observability"
)

// maxRequestBodySize bounds request bodies; input payloads arrive base64
// encoded inside the JSON document.
const maxRequestBodySize = 64 << 20 // 64 MB

// Repository is the persistence surface the handlers need.
type Repository interface {
	Insert(ctx context.Context, job *batchjob.BatchJob) error
	Get(ctx context.Context, id uuid.UUID) (*batchjob.BatchJob, error)
	List(ctx context.Context, status batchjob.Status) ([]batchjob.BatchJob, error)
}

// Canceller runs the cancellation protocol, implemented by the lifecycle
// coordinator.
type Canceller interface {
	Cancel(ctx context.Context, id uuid.UUID) (*batchjob.BatchJob, error)
}

// Handler contains the HTTP handlers for the batch API.
type Handler struct {
	repo       Repository
	canceller  Canceller
	dispatcher dispatcher.Dispatcher
	health     *health.Checker
	metrics    *observability.Metrics
}

// NewHandler creates a new API handler.
func NewHandler(repo Repository, canceller Canceller, d dispatcher.Dispatcher, healthChecker *health.Checker, metrics *observability.Metrics) *Handler {
	return &Handler{
		repo:       repo,
		canceller:  canceller,
		dispatcher: d,
		health:     healthChecker,
		metrics:    metrics,
	}
}

// CreateBatchJob handles POST /batch/. The record is inserted with
// status=created and handed to the dispatcher; provisioning happens in the
// background.
func (h *Handler) CreateBatchJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req batchjob.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, apperrors.InvalidState("Invalid request body: "+err.Error()))
		return
	}

	job, err := req.Build(time.Now())
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.repo.Insert(r.Context(), job); err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.dispatcher.Enqueue(r.Context(), job.ID); err != nil {
		// The record stays in created; the reconciler sweeps it to failed
		// once the grace window expires without a cluster Job.
		slog.Error("Failed to enqueue provisioning", "jobId", job.ID, "error", err)
		respondError(w, r, apperrors.Internal("api.enqueue", err))
		return
	}

	if h.metrics != nil {
		h.metrics.RecordJobCreated(r.Context())
	}
	slog.Info("Batch job accepted", "jobId", job.ID, "name", job.Name)

	msg := fmt.Sprintf("New batch job %s accepted for provisioning.", job.ID)
	respond(w, http.StatusOK, msg, newBatchJobView(job))
}

// ListBatchJobs handles GET /batch/?status=<s>, defaulting to running.
func (h *Handler) ListBatchJobs(w http.ResponseWriter, r *http.Request) {
	status := batchjob.StatusRunning
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = batchjob.Status(raw)
		if !status.Valid() {
			respondError(w, r, apperrors.Validation("status",
				fmt.Sprintf("Unknown status %q", raw)))
			return
		}
	}

	jobs, err := h.repo.List(r.Context(), status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "", newBatchJobViews(jobs))
}

// GetBatchJob handles GET /batch/{jobID}.
func (h *Handler) GetBatchJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.repo.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "", newBatchJobView(job))
}

// StopBatchJob handles DELETE /batch/{jobID}: the cancellation protocol
// runs synchronously.
func (h *Handler) StopBatchJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.canceller.Cancel(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	msg := fmt.Sprintf("Batch job %s was successfully deleted from the cluster.", id)
	respond(w, http.StatusOK, msg, newBatchJobView(job))
}

// jobID parses the path id; a malformed id reads as an unknown job.
func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("jobID")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, r, apperrors.NotFound("batch job", raw))
		return uuid.Nil, false
	}
	return id, true
}

// Livez handles GET /livez.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. Returns 503 when a dependency is down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, response)
}

func writeHealth(w http.ResponseWriter, status int, response *health.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode health response", "error", err)
	}
}
