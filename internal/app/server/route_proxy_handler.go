package server

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/fetch"
	"proxyharvest/internal/support"
)

const recentTestsLimit = 20

type proxyDetail struct {
	Proxy       domain.Proxy       `json:"proxy"`
	RecentTests []domain.ProxyTest `json:"recent_tests"`
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	filter, err := parseProxyFilter(r.URL.Query())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	page, err := parsePage(r.URL.Query())
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	result, err := database.ListProxies(r.Context(), filter, page)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	redacted := make([]domain.Proxy, len(result.Results))
	for i, proxy := range result.Results {
		redacted[i] = proxy.Redacted()
	}
	result.Results = redacted
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	proxy, err := database.GetProxy(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	tests, err := database.ListProxyTests(r.Context(), id, recentTestsLimit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if tests == nil {
		tests = []domain.ProxyTest{}
	}
	writeJSON(w, http.StatusOK, proxyDetail{Proxy: proxy.Redacted(), RecentTests: tests})
}

func (s *Server) proxyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := database.ProxyStats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) proxyFilters(w http.ResponseWriter, r *http.Request) {
	info, err := database.FiltersInfo(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) bulkAction(w http.ResponseWriter, r *http.Request) {
	var req dto.BulkActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	action, err := fetch.ParseBulkAction(req.Action)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	result, err := s.jobs.BulkAction(r.Context(), req.IDs, action)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if result.TestRun != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) testProxies(w http.ResponseWriter, r *http.Request) {
	var req dto.TestProxiesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	run, err := s.jobs.TestProxies(r.Context(), req.IDs)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// exportProxies streams the filtered pool, or exactly ids when given, in
// the requested format.
func (s *Server) exportProxies(w http.ResponseWriter, r *http.Request) {
	format, err := support.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, err := parseProxyFilter(r.URL.Query())
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	proxies, err := database.ProxiesForExport(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.FileName()))
	w.WriteHeader(http.StatusOK)
	if err := support.WriteExport(w, format, proxies); err != nil {
		log.Error("Proxy export aborted", "format", format, "count", len(proxies), "error", err)
	}
}

func (s *Server) cleanupProxies(w http.ResponseWriter, r *http.Request) {
	var req dto.CleanupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	if req.Days <= 0 {
		writeError(w, "days must be positive", http.StatusBadRequest)
		return
	}

	deleted, err := database.CleanupProxies(r.Context(), req.Days, timeNow().UTC())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
		"message": fmt.Sprintf("Deleted %d failed proxies older than %d days", deleted, req.Days),
	})
}

func (s *Server) deleteAllProxies(w http.ResponseWriter, r *http.Request) {
	deleted, err := database.DeleteAllProxies(r.Context(), confirmed(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
