package maintenance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"proxyharvest/internal/blocklist"
	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/fetch"
	"proxyharvest/internal/security"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	t.Setenv("PROXY_ENCRYPTION_KEY", "maintenance-test-key")
	security.ResetCipherForTests()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := database.SetupDB(database.WithExistingDB(db), database.WithAutoMigrate(true), database.WithMigrations(database.Models()...)); err != nil {
		t.Fatalf("SetupDB: %v", err)
	}
	t.Cleanup(func() {
		database.DB = nil
		security.ResetCipherForTests()
		_ = sqlDB.Close()
	})
	return db
}

func seedProxy(t *testing.T, db *gorm.DB, candidate domain.Candidate, working bool, lastChecked *time.Time) domain.Proxy {
	t.Helper()
	if candidate.Tier == 0 {
		candidate.Tier = domain.TierBasic
	}
	candidate.Source = "seed"
	proxy, err := database.UpsertProxy(context.Background(), candidate)
	if err != nil {
		t.Fatalf("UpsertProxy returned error: %v", err)
	}
	err = db.Model(&domain.Proxy{}).Where("id = ?", proxy.ID).UpdateColumns(map[string]any{
		"is_working":   working,
		"last_checked": lastChecked,
	}).Error
	if err != nil {
		t.Fatalf("seed proxy state: %v", err)
	}
	return proxy
}

func proxyStub(t *testing.T) domain.Candidate {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"origin": "198.51.100.9"}`)
	}))
	t.Cleanup(server.Close)

	host, portText, _ := net.SplitHostPort(server.Listener.Addr().String())
	port, _ := strconv.Atoi(portText)
	return domain.Candidate{IP: host, Port: uint16(port), Protocol: domain.ProtocolHTTP}
}

func settings(mutate func(*config.Config)) func() config.Config {
	cfg := config.Config{}
	cfg.Validator.TestURL = "http://ip-echo.invalid/ip"
	cfg.Scheduler.PublicFetch = config.ScheduledFetch{Enabled: true, Timeout: 10, Workers: 30, Validate: true}
	cfg.Scheduler.BasicFetch = config.ScheduledFetch{Enabled: true, Timeout: 8, Workers: 40, Validate: true}
	cfg.Scheduler.Revalidation = config.RevalidationConfig{Enabled: true, ChunkSize: 2, Timeout: 1, Workers: 4}
	cfg.Scheduler.Cleanup = config.CleanupConfig{Enabled: true, Days: 7}
	if mutate != nil {
		mutate(&cfg)
	}
	return func() config.Config { return cfg }
}

type recordingFetcher struct {
	mu    sync.Mutex
	calls map[domain.JobType]fetch.Params
}

func (f *recordingFetcher) RunFetch(_ context.Context, jobType domain.JobType, params fetch.Params) (domain.FetchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[domain.JobType]fetch.Params)
	}
	f.calls[jobType] = params
	return domain.FetchJob{JobType: jobType, Status: domain.JobCompleted}, nil
}

type countingReconciler struct {
	calls int
	err   error
}

func (r *countingReconciler) Reconcile(context.Context) (int, error) {
	r.calls++
	return 0, r.err
}

func TestScheduledFetchUsesConfiguredParams(t *testing.T) {
	fetcher := &recordingFetcher{}
	s := New(fetcher, nil, WithSettings(settings(func(cfg *config.Config) {
		cfg.Scheduler.BasicFetch.Enabled = false
	})))

	s.scheduledFetch(domain.JobTypePublic)(context.Background())
	s.scheduledFetch(domain.JobTypeBasic)(context.Background())

	want := fetch.Params{Validate: true, Timeout: 10, MaxWorkers: 30}
	if got := fetcher.calls[domain.JobTypePublic]; got != want {
		t.Fatalf("public params = %+v, want %+v", got, want)
	}
	if _, ok := fetcher.calls[domain.JobTypeBasic]; ok {
		t.Fatal("disabled basic fetch ran")
	}
}

func TestRevalidateRetestsOnlyStaleWorkingProxies(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)

	stub := proxyStub(t)
	staleGood := seedProxy(t, db, stub, true, &old)
	staleDead := seedProxy(t, db, domain.Candidate{IP: "127.0.0.1", Port: 1, Protocol: domain.ProtocolHTTP}, true, &old)
	neverChecked := seedProxy(t, db, domain.Candidate{IP: "127.0.0.1", Port: 2, Protocol: domain.ProtocolHTTP}, true, nil)
	fresh := seedProxy(t, db, domain.Candidate{IP: "127.0.0.1", Port: 3, Protocol: domain.ProtocolHTTP}, true, &recent)
	idle := seedProxy(t, db, domain.Candidate{IP: "127.0.0.1", Port: 4, Protocol: domain.ProtocolHTTP}, false, &old)

	s := New(nil, nil, WithSettings(settings(nil)), WithClock(func() time.Time { return now }))
	s.revalidate(ctx)

	check := func(id uint64, working bool, attempts uint64) {
		t.Helper()
		proxy, err := database.GetProxy(ctx, id)
		if err != nil {
			t.Fatalf("GetProxy(%d) returned error: %v", id, err)
		}
		if proxy.IsWorking != working || proxy.SuccessCount+proxy.FailureCount != attempts {
			t.Fatalf("proxy %d working=%v attempts=%d, want %v/%d", id, proxy.IsWorking, proxy.SuccessCount+proxy.FailureCount, working, attempts)
		}
	}
	check(staleGood.ID, true, 1)
	check(staleDead.ID, false, 1)
	check(neverChecked.ID, false, 1)
	check(fresh.ID, true, 0)
	check(idle.ID, false, 0)
}

func TestRevalidateDisabled(t *testing.T) {
	db := setupTestDB(t)
	old := time.Now().UTC().Add(-2 * time.Hour)
	proxy := seedProxy(t, db, domain.Candidate{IP: "127.0.0.1", Port: 5, Protocol: domain.ProtocolHTTP}, true, &old)

	s := New(nil, nil, WithSettings(settings(func(cfg *config.Config) { cfg.Scheduler.Revalidation.Enabled = false })))
	s.revalidate(context.Background())

	stored, err := database.GetProxy(context.Background(), proxy.ID)
	if err != nil {
		t.Fatalf("GetProxy returned error: %v", err)
	}
	if !stored.IsWorking || stored.FailureCount != 0 {
		t.Fatalf("proxy = %+v, want untouched", stored)
	}
}

func TestCleanupRemovesOldFailedProxies(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-10 * 24 * time.Hour)
	recent := now.Add(-24 * time.Hour)

	expired := seedProxy(t, db, domain.Candidate{IP: "203.0.113.1", Port: 80, Protocol: domain.ProtocolHTTP}, false, &old)
	kept := seedProxy(t, db, domain.Candidate{IP: "203.0.113.2", Port: 80, Protocol: domain.ProtocolHTTP}, false, &recent)
	working := seedProxy(t, db, domain.Candidate{IP: "203.0.113.3", Port: 80, Protocol: domain.ProtocolHTTP}, true, &old)

	s := New(nil, nil, WithSettings(settings(nil)), WithClock(func() time.Time { return now }))
	s.cleanup(ctx)

	if _, err := database.GetProxy(ctx, expired.ID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expired proxy lookup error = %v, want ErrNotFound", err)
	}
	for _, id := range []uint64{kept.ID, working.ID} {
		if _, err := database.GetProxy(ctx, id); err != nil {
			t.Fatalf("GetProxy(%d) returned error: %v", id, err)
		}
	}
}

func TestGeoLiteUpdateRefreshesUnknownLocations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	unknown := seedProxy(t, db, domain.Candidate{IP: "192.0.2.10", Port: 80, Protocol: domain.ProtocolHTTP}, false, nil)
	unresolvable := seedProxy(t, db, domain.Candidate{IP: "192.0.2.11", Port: 80, Protocol: domain.ProtocolHTTP}, false, nil)

	updates := 0
	s := New(nil, nil,
		WithSettings(settings(func(cfg *config.Config) {
			cfg.GeoLite.APIKey = "license"
			cfg.GeoLite.AutoUpdate = true
		})),
		WithGeoLiteUpdater(func(context.Context) (bool, error) {
			updates++
			return true, nil
		}),
		WithGeoLookup(func() bool { return true }, func(ip string) domain.Geo {
			if ip == "192.0.2.10" {
				return domain.Geo{Country: "Germany", CountryCode: "DE", City: "Berlin"}
			}
			return domain.UnknownGeo()
		}),
	)
	s.geoLiteUpdate(ctx)

	if updates != 1 {
		t.Fatalf("GeoLite updates = %d, want 1", updates)
	}
	resolved, err := database.GetProxy(ctx, unknown.ID)
	if err != nil {
		t.Fatalf("GetProxy returned error: %v", err)
	}
	if resolved.CountryCode != "DE" || resolved.City != "Berlin" {
		t.Fatalf("resolved geo = %+v, want DE/Berlin", resolved.Geo)
	}
	still, err := database.GetProxy(ctx, unresolvable.ID)
	if err != nil {
		t.Fatalf("GetProxy returned error: %v", err)
	}
	if still.CountryCode != "XX" {
		t.Fatalf("unresolvable country code = %q, want XX", still.CountryCode)
	}
}

func TestGeoLiteUpdateNeedsKeyAndAutoUpdate(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		enable bool
	}{
		{"no key", "", true},
		{"auto update off", "license", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			s := New(nil, nil,
				WithSettings(settings(func(cfg *config.Config) {
					cfg.GeoLite.APIKey = tt.key
					cfg.GeoLite.AutoUpdate = tt.enable
				})),
				WithGeoLiteUpdater(func(context.Context) (bool, error) {
					called = true
					return true, nil
				}),
			)
			s.geoLiteUpdate(context.Background())
			if called {
				t.Fatal("GeoLite updater ran")
			}
		})
	}
}

func TestRunReconcilesOnBoot(t *testing.T) {
	reconciler := &countingReconciler{}
	s := New(&recordingFetcher{}, reconciler, WithSettings(settings(nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	if reconciler.calls != 1 {
		t.Fatalf("Reconcile calls = %d, want 1", reconciler.calls)
	}
}

func TestBlocklistRefreshPurgesStoredProxies(t *testing.T) {
	db := setupTestDB(t)
	blocked := seedProxy(t, db, domain.Candidate{IP: "203.0.113.7", Port: 8080, Protocol: domain.ProtocolHTTP}, true, nil)
	kept := seedProxy(t, db, domain.Candidate{IP: "192.0.2.7", Port: 8080, Protocol: domain.ProtocolHTTP}, true, nil)

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "203.0.113.0/24\n")
	}))
	t.Cleanup(feed.Close)

	list := blocklist.New(blocklist.WithSources(func() []string { return []string{feed.URL} }))
	s := New(&recordingFetcher{}, nil, WithBlocklist(list))

	var names []string
	for _, r := range s.routines() {
		names = append(names, r.name)
	}
	if !strings.Contains(strings.Join(names, ","), "blocklist_refresh") {
		t.Fatalf("routines = %v, want blocklist_refresh", names)
	}

	s.refreshBlocklist(context.Background())

	if _, err := database.GetProxy(context.Background(), blocked.ID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("GetProxy(blocked) error = %v, want ErrNotFound", err)
	}
	if _, err := database.GetProxy(context.Background(), kept.ID); err != nil {
		t.Fatalf("GetProxy(kept) returned error: %v", err)
	}
}
