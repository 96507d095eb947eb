package lifecycle

import (
	"context"
	"testing"
	"time"

	"taskrunner/internal/batchjob"
	"taskrunner/internal/cluster"
	"taskrunner/internal/storage"
)

func newTestReconciler(repo *memRepo, cl *fakeCluster, store storage.ObjectStore) *Reconciler {
	co := NewCoordinator(repo, cl, store, nil)
	return NewReconciler(repo, cl, co, store, nil)
}

func TestReconciler_CreatedToRunning(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusCreated, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	started := time.Now().Add(-time.Minute).UTC()
	cl.observeBatch(job.Name, cluster.Observation{Active: 1, StartTime: &started})

	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	stored := repo.get(job.ID)
	if stored.Status != batchjob.StatusRunning {
		t.Fatalf("Expected running, got %s", stored.Status)
	}
	if stored.StartTime == nil || !stored.StartTime.Equal(started) {
		t.Errorf("Expected observed start time, got %v", stored.StartTime)
	}
}

func TestReconciler_CreatedMissing_GraceThenFailed(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusCreated, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()

	r := newTestReconciler(repo, cl, storage.NewMemory())

	// First tick: inside the grace window.
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := repo.status(job.ID); got != batchjob.StatusCreated {
		t.Fatalf("Expected created within grace, got %s", got)
	}

	// Second tick: grace exhausted.
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := repo.status(job.ID); got != batchjob.StatusFailed {
		t.Errorf("Expected failed after grace, got %s", got)
	}
}

func TestReconciler_CreatedObservedResetsGrace(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusCreated, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()

	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	// The Job shows up before the window closes.
	cl.observeBatch(job.Name, cluster.Observation{Active: 1})
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := repo.status(job.ID); got != batchjob.StatusRunning {
		t.Errorf("Expected running, got %s", got)
	}
	if len(r.missing) != 0 {
		t.Errorf("Expected grace counter to be cleared, got %v", r.missing)
	}
}

func TestReconciler_CreatedFailedOnCluster(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusCreated, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	cl.observeBatch(job.Name, cluster.Observation{Failed: 1})

	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	stored := repo.get(job.ID)
	if stored.Status != batchjob.StatusFailed {
		t.Errorf("Expected failed, got %s", stored.Status)
	}
	if stored.StopTime == nil {
		t.Error("Expected stop_time on failure")
	}
}

func TestReconciler_RunningToCleaning_LaunchesCleanupOnce(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusRunning, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	completed := time.Now().UTC()
	cl.observeBatch(job.Name, cluster.Observation{Succeeded: 1, CompletionTime: &completed})

	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	stored := repo.get(job.ID)
	if stored.Status != batchjob.StatusCleaning {
		t.Fatalf("Expected cleaning, got %s", stored.Status)
	}
	if stored.StopTime == nil || !stored.StopTime.Equal(completed) {
		t.Errorf("Expected observed completion time, got %v", stored.StopTime)
	}
	if cl.cleanupLaunches != 1 {
		t.Fatalf("Expected exactly one cleanup launch, got %d", cl.cleanupLaunches)
	}

	// Further ticks with the primary Job still listed must not launch again:
	// the record is now cleaning and only the cleanup observation matters.
	cl.observeCleanup(job.Name, cluster.Observation{Active: 1})
	for i := 0; i < 3; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}
	if cl.cleanupLaunches != 1 {
		t.Errorf("Cleanup launched more than once: %d", cl.cleanupLaunches)
	}
	if got := repo.status(job.ID); got != batchjob.StatusCleaning {
		t.Errorf("Expected cleaning while cleanup is active, got %s", got)
	}
}

func TestReconciler_RunningFailed(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusRunning, true)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	cl.jobs[job.Name] = true
	cl.pvcs[job.OutputPVCName()] = true
	cl.pvcs[job.InputPVCName()] = true
	cl.observeBatch(job.Name, cluster.Observation{Failed: 1})

	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if got := repo.status(job.ID); got != batchjob.StatusFailed {
		t.Fatalf("Expected failed, got %s", got)
	}
	// Terminal transition triggers teardown.
	if cl.hasJob(job.Name) || cl.hasPVC(job.OutputPVCName()) || cl.hasPVC(job.InputPVCName()) {
		t.Error("Expected resources to be torn down after failure")
	}
}

func TestReconciler_CleaningToSucceeded(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusCleaning, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	cl.jobs[job.Name] = true
	cl.jobs[job.CleanupJobName()] = true
	cl.pvcs[job.OutputPVCName()] = true
	completed := time.Now().UTC()
	cl.observeCleanup(job.Name, cluster.Observation{Succeeded: 1, CompletionTime: &completed})

	store := storage.NewMemory()
	store.Upload(context.Background(), job.OutputObjectKey(), []byte("zip"))

	r := newTestReconciler(repo, cl, store)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	stored := repo.get(job.ID)
	if stored.Status != batchjob.StatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", stored.Status)
	}
	if stored.OutputFileURL == "" {
		t.Error("Expected output_file_url to be set")
	}
	if cl.hasJob(job.Name) || cl.hasJob(job.CleanupJobName()) || cl.hasPVC(job.OutputPVCName()) {
		t.Error("Expected teardown after success")
	}
}

func TestReconciler_CleaningURLFailureRetries(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusCleaning, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	cl.observeCleanup(job.Name, cluster.Observation{Succeeded: 1})

	// Store has no output object, so URLFor fails.
	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if got := repo.status(job.ID); got != batchjob.StatusCleaning {
		t.Errorf("Expected record to stay cleaning for retry, got %s", got)
	}
}

func TestReconciler_CleaningFailed(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusCleaning, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	cl.observeCleanup(job.Name, cluster.Observation{Failed: 1})

	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	stored := repo.get(job.ID)
	if stored.Status != batchjob.StatusFailed {
		t.Errorf("Expected failed after cleanup failure, got %s", stored.Status)
	}
	if stored.OutputFileURL != "" {
		t.Error("Failed records must not carry an output URL")
	}
}

func TestReconciler_ConcurrentCancelWinsCAS(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusRunning, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	cl.observeBatch(job.Name, cluster.Observation{Succeeded: 1})

	r := newTestReconciler(repo, cl, storage.NewMemory())

	// The cancel endpoint moved the record to killed after the reconciler
	// took its snapshot.
	snapshot := repo.get(job.ID)
	repo.UpdateStatus(context.Background(), job.ID, batchjob.StatusKilled, nil, batchjob.StatusRunning)

	jobs, _ := cl.ListJobs(context.Background())
	if err := r.reconcileRecord(context.Background(), &snapshot, jobs); err != nil {
		t.Fatalf("reconcileRecord failed: %v", err)
	}

	if got := repo.status(job.ID); got != batchjob.StatusKilled {
		t.Errorf("Expected killed to survive the stale snapshot, got %s", got)
	}
	if cl.cleanupLaunches != 0 {
		t.Error("A lost CAS must not launch a cleanup job")
	}
}

func TestReconciler_ClusterListFailureLeavesRecords(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusRunning, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()
	cl.fail("ListJobs")

	r := newTestReconciler(repo, cl, storage.NewMemory())
	if err := r.Tick(context.Background()); err == nil {
		t.Fatal("Expected tick to surface the listing error")
	}

	if got := repo.status(job.ID); got != batchjob.StatusRunning {
		t.Errorf("Expected record untouched, got %s", got)
	}
}

func TestReconciler_TickSkipsWhenBusy(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	cl := newFakeCluster()
	r := newTestReconciler(repo, cl, storage.NewMemory())

	r.mu.Lock()
	defer r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.Tick(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Skipped tick must return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tick must not block while another tick runs")
	}
}

func TestReconciler_TerminalRecordsIgnored(t *testing.T) {
	t.Parallel()
	job := lifecycleJob(batchjob.StatusKilled, false)
	repo := newMemRepo(job)
	cl := newFakeCluster()

	r := newTestReconciler(repo, cl, storage.NewMemory())
	for i := 0; i < 3; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}

	if got := repo.status(job.ID); got != batchjob.StatusKilled {
		t.Errorf("Terminal record must never change, got %s", got)
	}
}
