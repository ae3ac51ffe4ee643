package maintenance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"proxyharvest/internal/blocklist"
	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/geolite"
	"proxyharvest/internal/jobs/checker"
	"proxyharvest/internal/jobs/fetch"
)

const (
	defaultStaleAfter     = time.Hour
	defaultChunkSize      = 50
	defaultCleanupDays    = 7
	maxRevalidationChunks = 200
	geoRefreshBatch       = 500
)

// Fetcher runs one fetch job to completion.
type Fetcher interface {
	RunFetch(ctx context.Context, jobType domain.JobType, params fetch.Params) (domain.FetchJob, error)
}

// Reconciler fails jobs whose executor disappeared.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type Scheduler struct {
	fetcher    Fetcher
	reconciler Reconciler
	validator  *checker.Validator
	client     *redis.Client
	settings   func() config.Config
	now        func() time.Time

	geoAvailable  func() bool
	lookup        func(ip string) domain.Geo
	updateGeoLite func(ctx context.Context) (bool, error)

	blocklist *blocklist.Blocklist
}

type Option func(*Scheduler)

// WithRedis gates every routine behind a leader lock on client.
func WithRedis(client *redis.Client) Option {
	return func(s *Scheduler) { s.client = client }
}

func WithSettings(settings func() config.Config) Option {
	return func(s *Scheduler) { s.settings = settings }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithValidator(validator *checker.Validator) Option {
	return func(s *Scheduler) { s.validator = validator }
}

// WithGeoLookup replaces the GeoLite lookup used to refresh unknown
// locations.
func WithGeoLookup(available func() bool, lookup func(ip string) domain.Geo) Option {
	return func(s *Scheduler) {
		s.geoAvailable = available
		s.lookup = lookup
	}
}

func WithGeoLiteUpdater(update func(ctx context.Context) (bool, error)) Option {
	return func(s *Scheduler) { s.updateGeoLite = update }
}

// WithBlocklist refreshes list on its own interval and purges stored proxies
// it blocks.
func WithBlocklist(list *blocklist.Blocklist) Option {
	return func(s *Scheduler) { s.blocklist = list }
}

func New(fetcher Fetcher, reconciler Reconciler, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetcher:       fetcher,
		reconciler:    reconciler,
		validator:     checker.NewValidator(checker.DatabaseRecorder()),
		settings:      config.GetConfig,
		now:           time.Now,
		geoAvailable:  geolite.Available,
		lookup:        geolite.Lookup,
		updateGeoLite: geolite.UpdateDatabases,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reconciles orphaned jobs once, then blocks running every routine until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.reconcileOrphans(ctx)
	runGroup(ctx, s.client, s.routines())
}

func (s *Scheduler) routines() []routine {
	routines := []routine{
		{name: "public_fetch", interval: config.PublicFetchInterval, run: s.scheduledFetch(domain.JobTypePublic)},
		{name: "basic_fetch", interval: config.BasicFetchInterval, run: s.scheduledFetch(domain.JobTypeBasic)},
		{name: "revalidation", interval: config.RevalidationInterval, run: s.revalidate},
		{name: "cleanup", interval: config.CleanupInterval, run: s.cleanup},
		{name: "orphan_sweep", interval: config.OrphanSweepInterval, run: s.reconcileOrphans},
		{name: "geolite_update", interval: config.GeoLiteUpdateInterval, runAtStart: true, run: s.geoLiteUpdate},
	}
	if s.blocklist != nil {
		routines = append(routines, routine{name: "blocklist_refresh", interval: config.BlocklistInterval, runAtStart: true, run: s.refreshBlocklist})
	}
	return routines
}

func (s *Scheduler) scheduledFetch(jobType domain.JobType) func(context.Context) {
	return func(ctx context.Context) {
		scheduler := s.settings().Scheduler
		cfg := scheduler.BasicFetch
		if jobType == domain.JobTypePublic {
			cfg = scheduler.PublicFetch
		}
		if !cfg.Enabled {
			log.Debug("Scheduled fetch skipped: disabled", "job_type", jobType)
			return
		}

		job, err := s.fetcher.RunFetch(ctx, jobType, fetch.Params{
			Validate:   cfg.Validate,
			Timeout:    cfg.Timeout,
			MaxWorkers: cfg.Workers,
		})
		if err != nil {
			log.Error("Scheduled fetch could not start", "job_type", jobType, "error", err)
			return
		}
		log.Info("Scheduled fetch finished", "job_id", job.ID, "job_type", jobType, "status", job.Status,
			"found", job.ProxiesFound, "working", job.ProxiesWorking)
	}
}

// revalidate retests working proxies whose last check is older than the
// configured age, one chunk at a time, until none are left.
func (s *Scheduler) revalidate(ctx context.Context) {
	settings := s.settings()
	cfg := settings.Scheduler.Revalidation
	if !cfg.Enabled {
		return
	}

	staleAfter := cfg.StaleAfter.Duration()
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	opts := checker.Options{
		Workers:   cfg.Workers,
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
		TestURL:   settings.Validator.TestURL,
		UserAgent: settings.Validator.UserAgent,
	}

	start := time.Now()
	cutoff := s.now().UTC().Add(-staleAfter)
	seen := make(map[uint64]struct{})
	var total checker.Summary

	for range maxRevalidationChunks {
		proxies, err := database.StaleWorkingProxies(ctx, cutoff, chunkSize)
		if err != nil {
			log.Error("Revalidation could not load stale proxies", "error", err)
			return
		}

		targets := make([]checker.Target, 0, len(proxies))
		for _, proxy := range proxies {
			if _, ok := seen[proxy.ID]; ok {
				continue
			}
			seen[proxy.ID] = struct{}{}
			targets = append(targets, checker.TargetFromProxy(proxy))
		}
		if len(targets) == 0 {
			break
		}

		summary, err := s.validator.Run(ctx, targets, opts)
		total.Tested += summary.Tested
		total.Working += summary.Working
		total.Failed += summary.Failed
		if err != nil {
			log.Error("Revalidation stopped", "tested", total.Tested, "error", err)
			return
		}
		if len(proxies) < chunkSize {
			break
		}
	}

	if total.Tested > 0 {
		log.Info("Revalidation finished", "tested", total.Tested, "working", total.Working,
			"failed", total.Failed, "duration", time.Since(start))
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	cfg := s.settings().Scheduler.Cleanup
	if !cfg.Enabled {
		return
	}
	days := cfg.Days
	if days <= 0 {
		days = defaultCleanupDays
	}

	removed, err := database.CleanupProxies(ctx, days, s.now().UTC())
	if err != nil {
		log.Error("Proxy cleanup failed", "days", days, "error", err)
		return
	}
	if removed > 0 {
		log.Info("Stale proxies removed", "count", removed, "days", days)
	}
}

func (s *Scheduler) reconcileOrphans(ctx context.Context) {
	if s.reconciler == nil {
		return
	}
	failed, err := s.reconciler.Reconcile(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Orphan reconciliation failed", "error", err)
		return
	}
	if failed > 0 {
		log.Info("Orphaned jobs reconciled", "failed", failed)
	}
}

func (s *Scheduler) geoLiteUpdate(ctx context.Context) {
	cfg := s.settings().GeoLite
	if strings.TrimSpace(cfg.APIKey) == "" {
		log.Debug("GeoLite update skipped: API key missing")
		return
	}
	if !cfg.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled")
		return
	}

	updated, err := s.updateGeoLite(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: API key missing")
		return
	case err != nil:
		log.Error("GeoLite update failed", "error", err)
		return
	case !updated:
		return
	}

	scanned, changed, err := s.refreshUnknownGeo(ctx)
	if err != nil {
		log.Error("Proxy geo refresh failed", "error", err)
		return
	}
	log.Info("Proxy geo refresh completed", "scanned", scanned, "updated", changed)
}

// refreshUnknownGeo resolves proxies stored without a country against the
// current GeoLite database.
func (s *Scheduler) refreshUnknownGeo(ctx context.Context) (scanned, updated int, err error) {
	if !s.geoAvailable() {
		return 0, 0, nil
	}

	var after uint64
	for {
		proxies, err := database.UnknownGeoProxies(ctx, after, geoRefreshBatch)
		if err != nil {
			return scanned, updated, err
		}
		if len(proxies) == 0 {
			return scanned, updated, nil
		}

		for _, proxy := range proxies {
			after = proxy.ID
			scanned++
			geo := s.lookup(proxy.IP)
			if geo.IsUnknown() {
				continue
			}
			if err := database.UpdateProxyGeo(ctx, proxy.ID, geo); err != nil {
				return scanned, updated, err
			}
			updated++
		}
	}
}

func (s *Scheduler) refreshBlocklist(ctx context.Context) {
	outcome, err := s.blocklist.Refresh(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("Blocklist refresh failed", "error", err)
		}
		return
	}
	if outcome.Sources == 0 {
		return
	}

	removed, err := s.blocklist.Purge(ctx)
	if err != nil {
		log.Error("Blocklist purge failed", "error", err)
	}
	log.Info("Blocklist refreshed", "sources", outcome.Sources, "failed", outcome.Failed,
		"ips", outcome.IPs, "ranges", outcome.Ranges, "added", outcome.Added, "proxies_removed", removed)
}
