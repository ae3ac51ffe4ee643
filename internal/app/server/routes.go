// Package server exposes the pool and the fetch engine over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"proxyharvest/internal/app/version"
	"proxyharvest/internal/auth"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/fetch"
	"proxyharvest/internal/metrics"
	"proxyharvest/internal/sources"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 15 * time.Second
)

// Jobs is the part of the fetch engine the API drives.
type Jobs interface {
	StartFetch(ctx context.Context, jobType domain.JobType, params fetch.Params) (domain.FetchJob, error)
	GetJob(ctx context.Context, id uint64) (domain.FetchJob, error)
	BulkAction(ctx context.Context, ids []uint64, action fetch.BulkAction) (fetch.BulkResult, error)
	TestProxies(ctx context.Context, ids []uint64) (fetch.TestRun, error)
	Running() int
}

type Server struct {
	jobs  Jobs
	auth  *auth.Authenticator
	redis *redis.Client
	probe sources.CredentialProbe
}

type Option func(*Server)

func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithRedis enables the Redis section of the health report.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) { s.redis = client }
}

// WithCredentialProbe replaces the request used to test gateway credentials.
func WithCredentialProbe(probe sources.CredentialProbe) Option {
	return func(s *Server) { s.probe = probe }
}

func New(jobs Jobs, opts ...Option) *Server {
	s := &Server{jobs: jobs, auth: auth.New("")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	guard := func(h http.HandlerFunc) http.Handler { return s.auth.RequireAuth(h) }

	router.Handle("POST /api/fetch", guard(s.startFetch))
	router.HandleFunc("GET /api/jobs", s.listJobs)
	router.HandleFunc("GET /api/jobs/stats", s.jobStats)
	router.HandleFunc("GET /api/jobs/{id}", s.getJob)
	router.Handle("DELETE /api/jobs", guard(s.clearJobs))

	router.Handle("GET /api/proxies", guard(s.listProxies))
	router.HandleFunc("GET /api/proxies/stats", s.proxyStats)
	router.HandleFunc("GET /api/proxies/filters", s.proxyFilters)
	router.Handle("GET /api/proxies/export", guard(s.exportProxies))
	router.Handle("GET /api/proxies/{id}", guard(s.getProxy))
	router.Handle("POST /api/proxies/bulk", guard(s.bulkAction))
	router.Handle("POST /api/proxies/test", guard(s.testProxies))
	router.Handle("POST /api/proxies/cleanup", guard(s.cleanupProxies))
	router.Handle("DELETE /api/proxies", guard(s.deleteAllProxies))

	router.HandleFunc("GET /api/tests/stats", s.testStats)
	router.Handle("DELETE /api/tests", guard(s.clearTests))

	router.HandleFunc("GET /api/sources", s.listSources)
	router.HandleFunc("GET /api/sources/stats", s.sourceStats)

	router.Handle("GET /api/credentials", guard(s.listCredentials))
	router.Handle("POST /api/credentials", guard(s.createCredential))
	router.Handle("POST /api/credentials/test", guard(s.testCredentials))
	router.Handle("GET /api/credentials/{id}", guard(s.getCredential))
	router.Handle("PUT /api/credentials/{id}", guard(s.updateCredential))
	router.Handle("DELETE /api/credentials/{id}", guard(s.deleteCredential))

	router.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
	router.HandleFunc("GET /health", s.health)
	router.Handle("GET /metrics", metrics.Handler())

	return enableCORS(router)
}

// Serve listens on port until ctx is done, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting proxyharvest API on port :%d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps domain and storage errors onto status codes.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, fetch.ErrConfiguration), errors.Is(err, errBadRequest):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, database.ErrConfirmationRequired):
		writeError(w, "pass confirm=yes to confirm this operation", http.StatusBadRequest)
	default:
		log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

var (
	errBadRequest = errors.New("bad request")
	timeNow       = time.Now
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
