package server

import (
	"net/http"
	"strconv"
	"strings"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/fetch"
)

// startFetch queues a job. Omitted timeout and max_workers fall back to the
// validator defaults; validate defaults to true.
func (s *Server) startFetch(w http.ResponseWriter, r *http.Request) {
	var req dto.StartFetchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}

	defaults := config.GetConfig().Validator
	params := fetch.Params{Validate: true, Timeout: req.Timeout, MaxWorkers: req.MaxWorkers}
	if req.Validate != nil {
		params.Validate = *req.Validate
	}
	if params.Timeout == 0 {
		params.Timeout = defaults.DefaultTimeout
	}
	if params.MaxWorkers == 0 {
		params.MaxWorkers = defaults.DefaultWorkers
	}

	jobType := domain.JobType(strings.ToLower(strings.TrimSpace(req.JobType)))
	job, err := s.jobs.StartFetch(r.Context(), jobType, params)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r.URL.Query())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	page, err := parsePage(r.URL.Query())
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	result, err := database.ListJobs(r.Context(), filter, page)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if result.Results == nil {
		result.Results = []domain.FetchJob{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := database.JobStats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) clearJobs(w http.ResponseWriter, r *http.Request) {
	deleted, err := database.ClearAllJobs(r.Context(), confirmed(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func pathID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid id %q", raw)
	}
	return id, nil
}

func confirmed(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("confirm"), "yes")
}
