package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/apperrors"
	"taskrunner/internal/batchjob"
	"taskrunner/internal/cluster"
)

// memRepo is an in-memory Repository with real compare-and-set semantics.
type memRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*batchjob.BatchJob
}

func newMemRepo(jobs ...*batchjob.BatchJob) *memRepo {
	r := &memRepo{jobs: make(map[uuid.UUID]*batchjob.BatchJob)}
	for _, j := range jobs {
		copied := *j
		r.jobs[j.ID] = &copied
	}
	return r
}

func (r *memRepo) Get(ctx context.Context, id uuid.UUID) (*batchjob.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("batch job", id.String())
	}
	copied := *job
	return &copied, nil
}

func (r *memRepo) ListByStatuses(ctx context.Context, statuses ...batchjob.Status) ([]batchjob.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []batchjob.BatchJob
	for _, job := range r.jobs {
		for _, s := range statuses {
			if job.Status == s {
				out = append(out, *job)
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) Update(ctx context.Context, id uuid.UUID, delta map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return apperrors.NotFound("batch job", id.String())
	}
	applyDelta(job, delta)
	return nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, id uuid.UUID, to batchjob.Status, delta map[string]any, from ...batchjob.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	match := false
	for _, s := range from {
		if job.Status == s {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	job.Status = to
	applyDelta(job, delta)
	return true, nil
}

func (r *memRepo) ClearInputZip(ctx context.Context, id uuid.UUID) error {
	return r.Update(ctx, id, map[string]any{"input_zip": nil})
}

func (r *memRepo) status(id uuid.UUID) batchjob.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].Status
}

func (r *memRepo) get(id uuid.UUID) batchjob.BatchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.jobs[id]
}

func applyDelta(job *batchjob.BatchJob, delta map[string]any) {
	for k, v := range delta {
		switch k {
		case "start_time":
			t := v.(time.Time)
			job.StartTime = &t
		case "stop_time":
			t := v.(time.Time)
			job.StopTime = &t
		case "output_file_url":
			job.OutputFileURL = v.(string)
		case "last_pod_response":
			job.LastPodResponse = v.(batchjob.JSONMap)
		case "input_zip":
			if v == nil {
				job.Parameters.InputZip = nil
			} else {
				job.Parameters.InputZip = v.([]byte)
			}
		}
	}
}

// fakeCluster tracks created resources and serves canned observations.
type fakeCluster struct {
	mu              sync.Mutex
	secretEnsured   bool
	pvcs            map[string]bool
	jobs            map[string]bool
	observations    cluster.Jobs
	failOn          map[string]error
	cleanupLaunches int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		pvcs: make(map[string]bool),
		jobs: make(map[string]bool),
		observations: cluster.Jobs{
			Batch:   map[string]cluster.Observation{},
			Cleanup: map[string]cluster.Observation{},
		},
		failOn: make(map[string]error),
	}
}

func (f *fakeCluster) fail(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[op] = apperrors.Cluster(op,
		map[string]any{"reason": "boom"}, errors.New("cluster exploded"))
}

func (f *fakeCluster) EnsureSecret(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["EnsureSecret"]; err != nil {
		return err
	}
	f.secretEnsured = true
	return nil
}

func (f *fakeCluster) CreatePVC(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["CreatePVC"]; err != nil {
		return err
	}
	if f.pvcs[name] {
		return apperrors.Conflict("pvc", name, "persistent volume claim already exists")
	}
	f.pvcs[name] = true
	return nil
}

func (f *fakeCluster) DeletePVC(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["DeletePVC"]; err != nil {
		return err
	}
	delete(f.pvcs, name)
	return nil
}

func (f *fakeCluster) CreateJob(ctx context.Context, job *batchjob.BatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["CreateJob"]; err != nil {
		return err
	}
	if f.jobs[job.Name] {
		return apperrors.Conflict("job", job.Name, "job already exists")
	}
	f.jobs[job.Name] = true
	return nil
}

func (f *fakeCluster) CreateCleanupJob(ctx context.Context, job *batchjob.BatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["CreateCleanupJob"]; err != nil {
		return err
	}
	name := job.CleanupJobName()
	if f.jobs[name] {
		return apperrors.Conflict("job", name, "cleanup job already exists")
	}
	f.jobs[name] = true
	f.cleanupLaunches++
	return nil
}

func (f *fakeCluster) DeleteJob(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["DeleteJob"]; err != nil {
		return err
	}
	delete(f.jobs, name)
	return nil
}

func (f *fakeCluster) ListJobs(ctx context.Context) (*cluster.Jobs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["ListJobs"]; err != nil {
		return nil, err
	}
	out := cluster.Jobs{
		Batch:   map[string]cluster.Observation{},
		Cleanup: map[string]cluster.Observation{},
	}
	for k, v := range f.observations.Batch {
		out.Batch[k] = v
	}
	for k, v := range f.observations.Cleanup {
		out.Cleanup[k] = v
	}
	return &out, nil
}

func (f *fakeCluster) observeBatch(name string, obs cluster.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs.Name = name
	f.observations.Batch[name] = obs
}

func (f *fakeCluster) observeCleanup(related string, obs cluster.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs.Name = related + batchjob.CleanupJobSuffix
	f.observations.Cleanup[related] = obs
}

func (f *fakeCluster) hasPVC(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pvcs[name]
}

func (f *fakeCluster) hasJob(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[name]
}
