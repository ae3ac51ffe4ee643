package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	jobruntime "proxyharvest/internal/jobs/runtime"
	"proxyharvest/internal/sources"
)

func TestReconcileFailsOnlyOrphanedJobs(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if err := mr.Set(jobruntime.InstanceHeartbeatKeyPrefix+"peer", "1"); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}

	release := make(chan struct{})
	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeBasic: {&stubAdapter{name: "slow", tier: domain.TierBasic, block: release}},
	}}
	engine := newTestEngine(t, selector, WithLiveness(jobruntime.NewLiveness(client)))

	create := func(instance string, status domain.JobStatus) uint64 {
		job := domain.FetchJob{JobType: domain.JobTypeBasic, Status: status, Timeout: 5, MaxWorkers: 5, InstanceID: instance}
		if err := database.CreateJob(ctx, &job); err != nil {
			t.Fatalf("CreateJob returned error: %v", err)
		}
		return job.ID
	}

	orphan := create("vanished", domain.JobRunning)
	pendingOrphan := create("", domain.JobPending)
	peer := create("peer", domain.JobRunning)
	ownStale := create(jobruntime.InstanceID(), domain.JobRunning)
	done := create("vanished", domain.JobCompleted)

	executing, err := engine.StartFetch(ctx, domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5})
	if err != nil {
		t.Fatalf("StartFetch returned error: %v", err)
	}
	waitFor(t, "job to run", func() bool {
		job, err := database.GetJob(ctx, executing.ID)
		return err == nil && job.Status == domain.JobRunning
	})

	failed, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if failed != 3 {
		t.Fatalf("Reconcile failed %d jobs, want 3", failed)
	}

	want := map[uint64]domain.JobStatus{
		orphan:        domain.JobFailed,
		pendingOrphan: domain.JobFailed,
		peer:          domain.JobRunning,
		ownStale:      domain.JobFailed,
		executing.ID:  domain.JobRunning,
		done:          domain.JobCompleted,
	}
	for id, status := range want {
		job, err := database.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob(%d) returned error: %v", id, err)
		}
		if job.Status != status {
			t.Fatalf("job %d status = %s, want %s", id, job.Status, status)
		}
		if status == domain.JobFailed && (job.ErrorMessage != InterruptedMessage || job.CompletedAt == nil) {
			t.Fatalf("job %d = %q completed %v, want the interruption recorded", id, job.ErrorMessage, job.CompletedAt)
		}
	}

	again, err := engine.Reconcile(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second Reconcile = %d, %v, want 0, nil", again, err)
	}

	close(release)
	engine.Wait()
	finished, err := database.GetJob(ctx, executing.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if finished.Status != domain.JobCompleted {
		t.Fatalf("executing job status = %s, want completed", finished.Status)
	}
}

// lostFinalSaveStore drops the first terminal SaveJob, as a database outage
// at the end of a run would.
type lostFinalSaveStore struct {
	Store
	mu      sync.Mutex
	dropped bool
}

func (s *lostFinalSaveStore) SaveJob(ctx context.Context, job *domain.FetchJob) error {
	if job.Status.Terminal() {
		s.mu.Lock()
		drop := !s.dropped
		s.dropped = true
		s.mu.Unlock()
		if drop {
			return errors.New("connection reset")
		}
	}
	return s.Store.SaveJob(ctx, job)
}

func TestReconcileFailsOwnJobThatLostItsFinalSave(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeBasic: {&stubAdapter{name: "basic-list", tier: domain.TierBasic}},
	}}
	engine := newTestEngine(t, selector, WithStore(&lostFinalSaveStore{Store: DatabaseStore()}))

	job, err := engine.RunFetch(ctx, domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5})
	if err != nil {
		t.Fatalf("RunFetch returned error: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("in-memory status = %s, want completed", job.Status)
	}
	stored, err := database.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if stored.Status != domain.JobRunning {
		t.Fatalf("stored status = %s, want running after the lost save", stored.Status)
	}

	failed, err := engine.Reconcile(ctx)
	if err != nil || failed != 1 {
		t.Fatalf("Reconcile = %d, %v, want 1, nil", failed, err)
	}
	got, err := engine.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if got.Status != domain.JobFailed || got.ErrorMessage != InterruptedMessage {
		t.Fatalf("job = %s %q, want failed with the interruption message", got.Status, got.ErrorMessage)
	}
}

func TestReconcileWithoutRedisTrustsOnlyItself(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := newTestEngine(t, &stubSelector{}, WithClock(func() time.Time { return fixed }))

	job := domain.FetchJob{JobType: domain.JobTypePublic, Status: domain.JobRunning, Timeout: 5, MaxWorkers: 5, InstanceID: "other-host"}
	if err := database.CreateJob(ctx, &job); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	failed, err := engine.Reconcile(ctx)
	if err != nil || failed != 1 {
		t.Fatalf("Reconcile = %d, %v, want 1, nil", failed, err)
	}
	stored, err := database.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(fixed) {
		t.Fatalf("completed_at = %v, want %v", stored.CompletedAt, fixed)
	}
}
