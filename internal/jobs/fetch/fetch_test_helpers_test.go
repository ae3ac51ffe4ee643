package fetch

import (
	"context"
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

	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/security"
	"proxyharvest/internal/sources"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	t.Setenv("PROXY_ENCRYPTION_KEY", "fetch-test-key")
	security.ResetCipherForTests()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	// one connection serialises concurrent jobs instead of failing them
	// with shared-cache table locks
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

type stubAdapter struct {
	name       string
	tier       domain.Tier
	candidates []domain.Candidate
	err        error
	block      chan struct{}
}

func (a *stubAdapter) Name() string            { return a.name }
func (a *stubAdapter) Tier() domain.Tier       { return a.tier }
func (a *stubAdapter) Kind() domain.SourceKind { return domain.SourceKindScrape }

func (a *stubAdapter) Fetch(ctx context.Context) ([]domain.Candidate, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	out := make([]domain.Candidate, len(a.candidates))
	for i, candidate := range a.candidates {
		candidate.Source = a.name
		candidate.Tier = a.tier
		out[i] = candidate
	}
	return out, nil
}

type stubSelector struct {
	mu       sync.Mutex
	adapters map[domain.JobType][]sources.Adapter
	err      error
}

func (s *stubSelector) Select(_ context.Context, jobType domain.JobType) ([]sources.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.adapters[jobType], nil
}

func testSettings(testURL string) func() config.Config {
	return func() config.Config {
		return config.Config{Validator: config.ValidatorConfig{
			TestURL:        testURL,
			DefaultTimeout: 1,
			DefaultWorkers: 4,
		}}
	}
}

func newTestEngine(t *testing.T, selector Selector, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithSettings(testSettings("http://ip-echo.invalid/ip")),
		WithEnricher(func([]domain.Candidate) {}),
	}
	engine := NewEngine(selector, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

// newProxyStub is an HTTP proxy that answers every proxied request itself.
func newProxyStub(t *testing.T) domain.Candidate {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"origin": "198.51.100.77"}`)
	}))
	t.Cleanup(server.Close)

	host, portText, _ := net.SplitHostPort(server.Listener.Addr().String())
	port, _ := strconv.Atoi(portText)
	return domain.Candidate{IP: host, Port: uint16(port), Protocol: domain.ProtocolHTTP}
}

// deadCandidate points at a port nothing listens on.
func deadCandidate(t *testing.T) domain.Candidate {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return domain.Candidate{IP: "127.0.0.1", Port: uint16(port), Protocol: domain.ProtocolHTTP}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func logContains(job domain.FetchJob, fragment string) bool {
	for _, entry := range job.LogMessages {
		if strings.Contains(entry.Message, fragment) {
			return true
		}
	}
	return false
}
