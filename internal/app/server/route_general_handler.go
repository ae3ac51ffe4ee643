package server

import (
	"context"
	"net/http"
	"time"

	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	jobruntime "proxyharvest/internal/jobs/runtime"
)

const healthCheckTimeout = 3 * time.Second

type healthReport struct {
	Status          string `json:"status"`
	Database        string `json:"database"`
	Redis           string `json:"redis"`
	Instance        string `json:"instance"`
	ActiveInstances int    `json:"active_instances"`
	RunningJobs     int    `json:"running_jobs"`
}

// health reports 503 when the database is unreachable and "degraded" when
// only Redis is.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := healthReport{
		Status:          "ok",
		Database:        "ok",
		Redis:           "disabled",
		Instance:        jobruntime.InstanceID(),
		ActiveInstances: 1,
		RunningJobs:     s.jobs.Running(),
	}
	status := http.StatusOK

	if err := database.Ping(ctx); err != nil {
		report.Status = "unhealthy"
		report.Database = err.Error()
		status = http.StatusServiceUnavailable
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			report.Redis = err.Error()
			if report.Status == "ok" {
				report.Status = "degraded"
			}
		} else {
			report.Redis = "ok"
			if count, err := jobruntime.CountActiveInstances(ctx, s.redis); err == nil {
				report.ActiveInstances = count
			}
		}
	}

	writeJSON(w, status, report)
}

func (s *Server) testStats(w http.ResponseWriter, r *http.Request) {
	stats, err := database.TestStats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) clearTests(w http.ResponseWriter, r *http.Request) {
	deleted, err := database.ClearAllTests(r.Context(), confirmed(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := database.ListSources(r.Context(), nil, false)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if sources == nil {
		sources = []domain.ProxySource{}
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) sourceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := database.SourceStats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
