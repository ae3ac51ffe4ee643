package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/blocklist"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/sources"
)

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		jobType domain.JobType
		params  Params
		want    Params
		wantErr error
	}{
		{"unknown type", "bogus", Params{Timeout: 10, MaxWorkers: 10}, Params{}, ErrInvalidJobType},
		{"zero workers", domain.JobTypeBasic, Params{Timeout: 10}, Params{}, ErrInvalidWorkers},
		{"negative timeout", domain.JobTypeBasic, Params{Timeout: -1, MaxWorkers: 5}, Params{}, ErrInvalidTimeout},
		{"clamped", domain.JobTypePublic, Params{Validate: true, Timeout: 600, MaxWorkers: 1000}, Params{Validate: true, Timeout: 60, MaxWorkers: 100}, nil},
		{"in range", domain.JobTypeUnified, Params{Timeout: 10, MaxWorkers: 30}, Params{Timeout: 10, MaxWorkers: 30}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateParams(tt.jobType, tt.params)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrConfiguration) {
					t.Fatalf("ValidateParams error = %v, want %v wrapping ErrConfiguration", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateParams returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ValidateParams = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStartFetchRejectsBadParamsWithoutCreatingJob(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, &stubSelector{})

	if _, err := engine.StartFetch(context.Background(), domain.JobTypeBasic, Params{Timeout: 10}); !errors.Is(err, ErrInvalidWorkers) {
		t.Fatalf("StartFetch error = %v, want ErrInvalidWorkers", err)
	}

	var count int64
	db.Model(&domain.FetchJob{}).Count(&count)
	if count != 0 {
		t.Fatalf("job rows = %d, want 0", count)
	}
}

func TestBasicFetchWithoutValidationOnEmptyPool(t *testing.T) {
	setupTestDB(t)
	engine := newTestEngine(t, &stubSelector{})

	started, err := engine.StartFetch(context.Background(), domain.JobTypeBasic, Params{Timeout: 10, MaxWorkers: 10})
	if err != nil {
		t.Fatalf("StartFetch returned error: %v", err)
	}
	if started.Status != domain.JobPending {
		t.Fatalf("initial status = %s, want pending", started.Status)
	}

	engine.Wait()
	job, err := engine.GetJob(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status = %s (%s), want completed", job.Status, job.ErrorMessage)
	}
	if job.ProxiesWorking != 0 || job.ProxiesFound != 0 {
		t.Fatalf("found/working = %d/%d, want 0/0", job.ProxiesFound, job.ProxiesWorking)
	}
	if job.StartedAt == nil || job.CompletedAt == nil || job.CompletedAt.Before(*job.StartedAt) {
		t.Fatalf("started/completed = %v/%v, want ordered timestamps", job.StartedAt, job.CompletedAt)
	}
}

func TestFetchIsolatesSourceFailures(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	shared := domain.Candidate{IP: "203.0.113.10", Port: 8080, Protocol: domain.ProtocolHTTP}
	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeUnified: {
			&stubAdapter{name: "broken", tier: domain.TierPublic, err: errors.New("connection reset")},
			&stubAdapter{name: "basic-list", tier: domain.TierBasic, candidates: []domain.Candidate{
				shared,
				{IP: "203.0.113.11", Port: 3128, Protocol: domain.ProtocolHTTP},
			}},
			&stubAdapter{name: "webshare", tier: domain.TierPremium, candidates: []domain.Candidate{
				{IP: shared.IP, Port: shared.Port, Protocol: shared.Protocol, Username: "u", Password: "p"},
			}},
		},
	}}
	engine := newTestEngine(t, selector)

	job, err := engine.RunFetch(ctx, domain.JobTypeUnified, Params{Timeout: 10, MaxWorkers: 10})
	if err != nil {
		t.Fatalf("RunFetch returned error: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status = %s (%s), want completed", job.Status, job.ErrorMessage)
	}
	if job.SourcesTried != 3 || job.SourcesSuccessful != 2 {
		t.Fatalf("sources tried/successful = %d/%d, want 3/2", job.SourcesTried, job.SourcesSuccessful)
	}
	if job.ProxiesFound != 2 || job.ProxiesNew != 2 {
		t.Fatalf("found/new = %d/%d, want 2/2", job.ProxiesFound, job.ProxiesNew)
	}
	if !logContains(job, "source broken failed") {
		t.Fatalf("job log lacks the source failure: %v", job.LogMessages)
	}

	page, err := database.ListProxies(ctx, dto.ProxyFilter{}, dto.Page{})
	if err != nil {
		t.Fatalf("ListProxies returned error: %v", err)
	}
	for _, proxy := range page.Results {
		if proxy.IP == shared.IP {
			if proxy.Tier != domain.TierPremium || proxy.Source != "webshare" || proxy.Username != "u" {
				t.Fatalf("merged proxy = %+v, want premium webshare attributes", proxy)
			}
		}
	}

	again, err := engine.RunFetch(ctx, domain.JobTypeUnified, Params{Timeout: 10, MaxWorkers: 10})
	if err != nil {
		t.Fatalf("second RunFetch returned error: %v", err)
	}
	if again.ProxiesFound != 2 || again.ProxiesNew != 0 {
		t.Fatalf("rerun found/new = %d/%d, want 2/0", again.ProxiesFound, again.ProxiesNew)
	}
}

func TestFetchWithValidation(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	good := newProxyStub(t)
	dead := deadCandidate(t)
	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypePublic: {&stubAdapter{name: "public-list", tier: domain.TierPublic, candidates: []domain.Candidate{good, dead, good}}},
	}}
	engine := newTestEngine(t, selector)

	job, err := engine.RunFetch(ctx, domain.JobTypePublic, Params{Validate: true, Timeout: 1, MaxWorkers: 4})
	if err != nil {
		t.Fatalf("RunFetch returned error: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status = %s (%s), want completed", job.Status, job.ErrorMessage)
	}
	if job.ProxiesFound != 2 || job.ProxiesWorking != 1 {
		t.Fatalf("found/working = %d/%d, want 2/1", job.ProxiesFound, job.ProxiesWorking)
	}
	if job.ProxiesWorking > job.ProxiesFound || job.SourcesSuccessful > job.SourcesTried {
		t.Fatalf("job counters violate their bounds: %+v", job)
	}

	stats, err := database.TestStats(ctx)
	if err != nil {
		t.Fatalf("TestStats returned error: %v", err)
	}
	if stats.Total != 2 || stats.Successful != 1 {
		t.Fatalf("tests total/successful = %d/%d, want 2/1", stats.Total, stats.Successful)
	}

	stored, err := database.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if !logContains(stored, "working 127.0.0.1") || !logContains(stored, "failed 127.0.0.1") {
		t.Fatalf("stored log lacks per-proxy outcomes: %v", stored.LogMessages)
	}
}

func TestConcurrentJobsConvergeOnOneRow(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	candidate := newProxyStub(t)
	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypePublic: {&stubAdapter{name: "public-list", tier: domain.TierPublic, candidates: []domain.Candidate{candidate}}},
		domain.JobTypeBasic:  {&stubAdapter{name: "basic-list", tier: domain.TierBasic, candidates: []domain.Candidate{candidate}}},
	}}
	engine := newTestEngine(t, selector)

	var wg sync.WaitGroup
	for _, jobType := range []domain.JobType{domain.JobTypePublic, domain.JobTypeBasic} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.StartFetch(ctx, jobType, Params{Validate: true, Timeout: 2, MaxWorkers: 2}); err != nil {
				t.Errorf("StartFetch(%s) returned error: %v", jobType, err)
			}
		}()
	}
	wg.Wait()
	engine.Wait()

	page, err := database.ListProxies(ctx, dto.ProxyFilter{}, dto.Page{})
	if err != nil {
		t.Fatalf("ListProxies returned error: %v", err)
	}
	if page.Count != 1 {
		t.Fatalf("proxy rows = %d, want 1", page.Count)
	}
	proxy := page.Results[0]
	if proxy.SuccessCount+proxy.FailureCount != 2 {
		t.Fatalf("counters = %d/%d, want two recorded attempts", proxy.SuccessCount, proxy.FailureCount)
	}
	if proxy.Tier != domain.TierPublic {
		t.Fatalf("tier = %d, want the better of both sources", proxy.Tier)
	}
}

func TestGetJobReturnsLiveSnapshot(t *testing.T) {
	setupTestDB(t)

	release := make(chan struct{})
	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeBasic: {&stubAdapter{name: "slow", tier: domain.TierBasic, block: release}},
	}}
	engine := newTestEngine(t, selector)

	started, err := engine.StartFetch(context.Background(), domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5})
	if err != nil {
		t.Fatalf("StartFetch returned error: %v", err)
	}

	waitFor(t, "job to run", func() bool {
		job, err := engine.GetJob(context.Background(), started.ID)
		return err == nil && job.Status == domain.JobRunning && logContains(job, "selected 1 source(s)")
	})
	if engine.Running() != 1 {
		t.Fatalf("Running() = %d, want 1", engine.Running())
	}

	close(release)
	engine.Wait()
	job, err := engine.GetJob(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
}

func TestJobFinishedElsewhereKeepsStoredOutcome(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	release := make(chan struct{})
	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeBasic: {&stubAdapter{name: "slow", tier: domain.TierBasic, block: release, candidates: []domain.Candidate{
			{IP: "203.0.113.30", Port: 80, Protocol: domain.ProtocolHTTP},
		}}},
	}}
	engine := newTestEngine(t, selector)

	started, err := engine.StartFetch(ctx, domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5})
	if err != nil {
		t.Fatalf("StartFetch returned error: %v", err)
	}
	waitFor(t, "job to run", func() bool {
		job, err := database.GetJob(ctx, started.ID)
		return err == nil && job.Status == domain.JobRunning
	})

	changed, err := database.FailUnfinishedJob(ctx, started.ID, InterruptedMessage, time.Now().UTC())
	if err != nil || !changed {
		t.Fatalf("FailUnfinishedJob = %v, %v; want true, nil", changed, err)
	}

	close(release)
	engine.Wait()

	stored, err := database.GetJob(ctx, started.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if stored.Status != domain.JobFailed || stored.ErrorMessage != InterruptedMessage {
		t.Fatalf("stored job = %s %q, want the external failure kept", stored.Status, stored.ErrorMessage)
	}
	got, err := engine.GetJob(ctx, started.ID)
	if err != nil {
		t.Fatalf("engine GetJob returned error: %v", err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("engine status = %s, want failed", got.Status)
	}
}

type failingStore struct {
	Store
	upsertErr error
}

func (s failingStore) UpsertCandidates(ctx context.Context, candidates []domain.Candidate) (database.UpsertResult, error) {
	return database.UpsertResult{}, s.upsertErr
}

func TestStoreFailureFailsOnlyThatJob(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeBasic: {&stubAdapter{name: "basic-list", tier: domain.TierBasic, candidates: []domain.Candidate{
			{IP: "203.0.113.20", Port: 80, Protocol: domain.ProtocolHTTP},
		}}},
	}}
	engine := newTestEngine(t, selector, WithStore(failingStore{Store: DatabaseStore(), upsertErr: errors.New("disk full")}))

	job, err := engine.RunFetch(ctx, domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5})
	if err != nil {
		t.Fatalf("RunFetch returned error: %v", err)
	}
	if job.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage != "store: upsert candidates: disk full" {
		t.Fatalf("error message = %q, want the store failure", job.ErrorMessage)
	}
	if job.SourcesSuccessful != 1 {
		t.Fatalf("sources successful = %d, want progress kept", job.SourcesSuccessful)
	}

	stored, err := database.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if stored.Status != domain.JobFailed || stored.CompletedAt == nil {
		t.Fatalf("stored job = %s completed %v, want failed with completed_at", stored.Status, stored.CompletedAt)
	}

	healthy := newTestEngine(t, selector)
	next, err := healthy.RunFetch(ctx, domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5})
	if err != nil || next.Status != domain.JobCompleted {
		t.Fatalf("follow-up job = %s, %v, want completed", next.Status, err)
	}
}

func TestShutdownFailsRunningJob(t *testing.T) {
	setupTestDB(t)

	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeBasic: {&stubAdapter{name: "stuck", tier: domain.TierBasic, block: make(chan struct{})}},
	}}
	engine := newTestEngine(t, selector)

	started, err := engine.StartFetch(context.Background(), domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5})
	if err != nil {
		t.Fatalf("StartFetch returned error: %v", err)
	}
	waitFor(t, "job to run", func() bool { return engine.Running() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	job, err := database.GetJob(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if job.Status != domain.JobFailed || job.ErrorMessage != "job interrupted: engine is shutting down" {
		t.Fatalf("job = %s %q, want failed by shutdown", job.Status, job.ErrorMessage)
	}

	if _, err := engine.StartFetch(context.Background(), domain.JobTypeBasic, Params{Timeout: 5, MaxWorkers: 5}); err == nil {
		t.Fatal("StartFetch succeeded after shutdown")
	}
}

func TestFetchDropsBlocklistedCandidates(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	list := blocklist.New()
	list.Load([]byte("# feed\n203.0.113.0/28\n198.51.100.9\n"))

	selector := &stubSelector{adapters: map[domain.JobType][]sources.Adapter{
		domain.JobTypeBasic: {
			&stubAdapter{name: "basic-list", tier: domain.TierBasic, candidates: []domain.Candidate{
				{IP: "203.0.113.5", Port: 8080, Protocol: domain.ProtocolHTTP},
				{IP: "198.51.100.9", Port: 1080, Protocol: domain.ProtocolSOCKS5},
				{IP: "192.0.2.44", Port: 3128, Protocol: domain.ProtocolHTTP},
			}},
		},
	}}
	engine := newTestEngine(t, selector, WithCandidateFilter(list))

	job, err := engine.RunFetch(ctx, domain.JobTypeBasic, Params{Timeout: 10, MaxWorkers: 10})
	if err != nil {
		t.Fatalf("RunFetch returned error: %v", err)
	}
	if job.ProxiesFound != 1 || job.ProxiesNew != 1 {
		t.Fatalf("found/new = %d/%d, want 1/1", job.ProxiesFound, job.ProxiesNew)
	}
	if !logContains(job, "dropped 2 blocklisted candidate(s)") {
		t.Fatalf("job log lacks the blocklist drop: %v", job.LogMessages)
	}

	page, err := database.ListProxies(ctx, dto.ProxyFilter{}, dto.Page{})
	if err != nil {
		t.Fatalf("ListProxies returned error: %v", err)
	}
	if len(page.Results) != 1 || page.Results[0].IP != "192.0.2.44" {
		t.Fatalf("stored proxies = %+v, want only 192.0.2.44", page.Results)
	}
}
