// Package fetch runs fetch jobs: source selection, fan-out, merge into the
// pool and optional validation, with progress readable while a job runs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/geolite"
	"proxyharvest/internal/jobs/checker"
	jobruntime "proxyharvest/internal/jobs/runtime"
	"proxyharvest/internal/metrics"
	"proxyharvest/internal/sources"
)

const (
	progressFlushInterval = 2 * time.Second
	finalSaveTimeout      = 10 * time.Second
	sourceCallTimeout     = 2 * time.Minute
)

// Selector resolves a job type into the adapters to invoke.
type Selector interface {
	Select(ctx context.Context, jobType domain.JobType) ([]sources.Adapter, error)
}

// LivenessChecker reports whether the executor instance of a job still runs.
type LivenessChecker interface {
	IsAlive(ctx context.Context, instanceID string) (bool, error)
}

// Params are the caller-tunable knobs of one job. Zero or negative values
// are rejected; out-of-range positive values are clamped.
type Params struct {
	Validate   bool
	Timeout    int // seconds per validation attempt
	MaxWorkers int
}

type Engine struct {
	store      Store
	selector   Selector
	validator  *checker.Validator
	liveness   LivenessChecker
	settings   func() config.Config
	enrich     func([]domain.Candidate)
	filter     CandidateFilter
	instanceID string
	now        func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	active map[uint64]*progress
	wg     sync.WaitGroup

	// registering is held shared from job insert until the job is in
	// active, so Reconcile never sees a fresh own job as abandoned.
	registering sync.RWMutex
}

// CandidateFilter drops candidates that must never be stored and reports
// how many it removed.
type CandidateFilter interface {
	Filter(candidates []domain.Candidate) ([]domain.Candidate, int)
}

type Option func(*Engine)

func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

func WithLiveness(liveness LivenessChecker) Option {
	return func(e *Engine) { e.liveness = liveness }
}

func WithSettings(settings func() config.Config) Option {
	return func(e *Engine) { e.settings = settings }
}

// WithEnricher replaces the geolocation step applied to merged candidates.
func WithEnricher(enrich func([]domain.Candidate)) Option {
	return func(e *Engine) { e.enrich = enrich }
}

// WithCandidateFilter screens merged candidates before they are upserted.
func WithCandidateFilter(filter CandidateFilter) Option {
	return func(e *Engine) { e.filter = filter }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(selector Selector, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		store:      DatabaseStore(),
		selector:   selector,
		liveness:   jobruntime.NewLiveness(nil),
		settings:   config.GetConfig,
		enrich:     geolite.EnrichCandidates,
		instanceID: jobruntime.InstanceID(),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[uint64]*progress),
	}
	for _, opt := range opts {
		opt(engine)
	}
	engine.validator = checker.NewValidator(engine.store)
	return engine
}

// ValidateParams normalises params for jobType or rejects them with an
// ErrConfiguration.
func ValidateParams(jobType domain.JobType, params Params) (Params, error) {
	if len(jobType.Tiers()) == 0 {
		return Params{}, fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}
	if params.MaxWorkers <= 0 {
		return Params{}, ErrInvalidWorkers
	}
	if params.Timeout <= 0 {
		return Params{}, ErrInvalidTimeout
	}
	params.MaxWorkers = checker.ClampWorkers(params.MaxWorkers)
	params.Timeout = int(checker.ClampTimeout(time.Duration(params.Timeout) * time.Second).Seconds())
	return params, nil
}

// StartFetch records a pending job and runs it in the background. The
// returned snapshot is taken before the run starts.
func (e *Engine) StartFetch(ctx context.Context, jobType domain.JobType, params Params) (domain.FetchJob, error) {
	p, err := e.createJob(ctx, jobType, params)
	if err != nil {
		return domain.FetchJob{}, err
	}
	snapshot := p.snapshot()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(p)
	}()
	return snapshot, nil
}

// RunFetch records a job and runs it on the calling goroutine.
func (e *Engine) RunFetch(ctx context.Context, jobType domain.JobType, params Params) (domain.FetchJob, error) {
	p, err := e.createJob(ctx, jobType, params)
	if err != nil {
		return domain.FetchJob{}, err
	}

	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	e.wg.Add(1)
	defer e.wg.Done()
	e.execute(p)
	return p.snapshot(), nil
}

func (e *Engine) createJob(ctx context.Context, jobType domain.JobType, params Params) (*progress, error) {
	params, err := ValidateParams(jobType, params)
	if err != nil {
		return nil, err
	}
	if e.baseCtx.Err() != nil {
		return nil, errors.New("fetch: engine is shut down")
	}

	job := domain.FetchJob{
		JobType:         jobType,
		Status:          domain.JobPending,
		ValidateProxies: params.Validate,
		Timeout:         params.Timeout,
		MaxWorkers:      params.MaxWorkers,
		InstanceID:      e.instanceID,
	}
	e.registering.RLock()
	defer e.registering.RUnlock()
	if err := e.store.CreateJob(ctx, &job); err != nil {
		return nil, storeError("create job", err)
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	p := newProgress(runCtx, job, e.now, cancel)
	p.logger.Info("Fetch job created", "validate", params.Validate, "timeout", params.Timeout, "workers", params.MaxWorkers)

	e.mu.Lock()
	e.active[job.ID] = p
	e.mu.Unlock()
	return p, nil
}

// GetJob returns the live snapshot of a running job, or the stored record.
func (e *Engine) GetJob(ctx context.Context, id uint64) (domain.FetchJob, error) {
	e.mu.Lock()
	p, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		return p.snapshot(), nil
	}
	return e.store.GetJob(ctx, id)
}

// Running reports how many jobs this engine is executing.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Wait blocks until every job and test run started by this engine returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels running work and waits for it to record its outcome, or
// for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) execute(p *progress) {
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()
	defer func() {
		e.mu.Lock()
		delete(e.active, p.snapshot().ID)
		e.mu.Unlock()
		p.cancel()
	}()

	err := e.run(p.ctx, p)
	e.finish(p, err)
}

func (e *Engine) run(ctx context.Context, p *progress) error {
	started := e.now().UTC()
	p.update(func(job *domain.FetchJob) {
		job.Status = domain.JobRunning
		job.StartedAt = &started
	})
	p.logf("job started")
	if err := e.save(ctx, p); err != nil {
		return err
	}

	job := p.snapshot()
	adapters, err := e.selector.Select(ctx, job.JobType)
	if err != nil {
		return storeError("select sources", err)
	}
	p.logf("selected %d source(s)", len(adapters))

	candidates, err := e.fetchSources(ctx, p, adapters)
	if err != nil {
		return err
	}

	merged := domain.MergeCandidates(candidates)
	if e.filter != nil && len(merged) > 0 {
		var dropped int
		merged, dropped = e.filter.Filter(merged)
		if dropped > 0 {
			p.logf("dropped %d blocklisted candidate(s)", dropped)
		}
	}
	if e.enrich != nil && len(merged) > 0 {
		e.enrich(merged)
	}

	upserted, err := e.store.UpsertCandidates(ctx, merged)
	if err != nil {
		return storeError("upsert candidates", err)
	}
	p.update(func(job *domain.FetchJob) {
		job.ProxiesFound = uint64(len(upserted.Proxies))
		job.ProxiesNew = uint64(upserted.Created)
	})
	p.logf("merged %d candidate(s) into %d proxies, %d new", len(candidates), len(upserted.Proxies), upserted.Created)
	if err := e.save(ctx, p); err != nil {
		return err
	}

	if !job.ValidateProxies || len(upserted.Proxies) == 0 {
		return nil
	}
	return e.validate(ctx, p, upserted.Proxies)
}

// fetchSources calls every adapter concurrently, one call per source. A
// failing source is logged and counted, never returned.
func (e *Engine) fetchSources(ctx context.Context, p *progress, adapters []sources.Adapter) ([]domain.Candidate, error) {
	var (
		mu         sync.Mutex
		candidates []domain.Candidate
		storeErr   error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(groupCtx, sourceCallTimeout)
			found, fetchErr := adapter.Fetch(callCtx)
			cancel()
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}

			ok := fetchErr == nil
			metrics.ObserveSource(adapter.Name(), ok, len(found))
			p.update(func(job *domain.FetchJob) {
				job.SourcesTried++
				if ok {
					job.SourcesSuccessful++
				}
			})
			if ok {
				p.logf("source %s returned %d candidate(s)", adapter.Name(), len(found))
			} else {
				p.logf("source %s failed: %v", adapter.Name(), fetchErr)
			}

			err := e.store.RecordSourceFetch(groupCtx, adapter.Name(), ok, len(found), e.now().UTC())
			if err != nil && !errors.Is(err, database.ErrNotFound) {
				mu.Lock()
				storeErr = storeError("record source fetch", err)
				mu.Unlock()
				return storeErr
			}

			mu.Lock()
			candidates = append(candidates, found...)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if storeErr != nil {
			return nil, storeErr
		}
		return nil, err
	}
	if err := e.save(ctx, p); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (e *Engine) validate(ctx context.Context, p *progress, proxies []domain.Proxy) error {
	job := p.snapshot()
	cfg := e.settings()

	targets := make([]checker.Target, len(proxies))
	for i, proxy := range proxies {
		targets[i] = checker.TargetFromProxy(proxy)
	}
	p.logf("validating %d proxies with %d workers, timeout %ds", len(targets), job.MaxWorkers, job.Timeout)

	flushCtx, stopFlush := context.WithCancel(ctx)
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		e.flushPeriodically(flushCtx, p)
	}()

	jobID := job.ID
	summary, err := e.validator.Run(ctx, targets, checker.Options{
		Workers:   job.MaxWorkers,
		Timeout:   time.Duration(job.Timeout) * time.Second,
		TestURL:   cfg.Validator.TestURL,
		UserAgent: cfg.Validator.UserAgent,
		JobID:     &jobID,
		OnResult: func(result checker.Result) {
			candidate := result.Candidate
			if result.Success {
				p.update(func(job *domain.FetchJob) { job.ProxiesWorking++ })
				p.logf("working %s %s %.2fs", candidate.Address(), candidate.Protocol, result.ResponseTime.Seconds())
				return
			}
			p.logf("failed %s %s: %s", candidate.Address(), candidate.Protocol, result.Err.Error())
		},
	})
	stopFlush()
	<-flushed

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return storeError("record validation", err)
	}
	p.logf("validation finished: %d working, %d failed", summary.Working, summary.Failed)
	return nil
}

func (e *Engine) flushPeriodically(ctx context.Context, p *progress) {
	ticker := time.NewTicker(progressFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.save(ctx, p)
			if errors.Is(err, database.ErrJobFinished) {
				p.cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("Failed to persist job progress", "error", err)
			}
		}
	}
}

// finish moves the job to its terminal state and persists it. It runs on a
// fresh context so a cancelled run still records why it stopped. A job that
// was already finished elsewhere keeps the stored outcome.
func (e *Engine) finish(p *progress, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
	defer cancel()
	if errors.Is(runErr, database.ErrJobFinished) {
		e.adoptStored(ctx, p)
		return
	}

	completed := e.now().UTC()
	p.update(func(job *domain.FetchJob) {
		job.CompletedAt = &completed
		if runErr == nil {
			job.Status = domain.JobCompleted
			return
		}
		job.Status = domain.JobFailed
		job.ErrorMessage = failureMessage(runErr)
	})

	job := p.snapshot()
	if runErr == nil {
		p.logf("job completed: %d found, %d new, %d working", job.ProxiesFound, job.ProxiesNew, job.ProxiesWorking)
	} else {
		p.logf("job failed: %s", job.ErrorMessage)
	}

	if err := e.save(ctx, p); err != nil {
		if errors.Is(err, database.ErrJobFinished) {
			e.adoptStored(ctx, p)
			return
		}
		p.logger.Error("Failed to persist final job state", "status", job.Status, "error", err)
	}

	metrics.ObserveJob(string(job.JobType), string(job.Status))
	duration, _ := job.Duration()
	if runErr != nil {
		p.logger.Error("Fetch job failed", "error", runErr, "duration", duration)
		return
	}
	p.logger.Info("Fetch job completed",
		"found", job.ProxiesFound, "new", job.ProxiesNew, "working", job.ProxiesWorking,
		"sources", fmt.Sprintf("%d/%d", job.SourcesSuccessful, job.SourcesTried), "duration", duration)
}

// adoptStored replaces the in-memory job with the stored row after another
// controller finished it.
func (e *Engine) adoptStored(ctx context.Context, p *progress) {
	id := p.snapshot().ID
	stored, err := e.store.GetJob(ctx, id)
	if err != nil {
		p.logger.Error("Fetch job was finished elsewhere and could not be reloaded", "error", err)
		return
	}
	p.update(func(job *domain.FetchJob) { *job = stored })
	metrics.ObserveJob(string(stored.JobType), string(stored.Status))
	p.logger.Warn("Fetch job was finished elsewhere, keeping the stored outcome", "status", stored.Status, "error_message", stored.ErrorMessage)
}

func (e *Engine) save(ctx context.Context, p *progress) error {
	job := p.snapshot()
	if err := e.store.SaveJob(ctx, &job); err != nil {
		return storeError("save job", err)
	}
	return nil
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "job interrupted: engine is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return "job interrupted: deadline exceeded"
	default:
		return err.Error()
	}
}
