// Package metrics exposes the Prometheus instruments of fetch jobs, source
// calls and proxy validation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxyharvest"

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_jobs_total",
		Help:      "Fetch jobs that reached a terminal status, by job type and status.",
	}, []string{"job_type", "status"})

	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fetch_jobs_running",
		Help:      "Fetch jobs currently executing on this instance.",
	})

	SourceFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_fetches_total",
		Help:      "Source adapter invocations, by source and outcome.",
	}, []string{"source", "outcome"})

	CandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candidates_total",
		Help:      "Candidates returned by source adapters, by source.",
	}, []string{"source"})

	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Proxy validation attempts, by protocol and result.",
	}, []string{"protocol", "result"})

	ValidationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "validation_duration_seconds",
		Help:      "Latency of successful validation attempts.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60},
	}, []string{"protocol"})
)

// ObserveJob counts a job that reached status.
func ObserveJob(jobType, status string) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveSource counts one adapter call and the candidates it returned.
func ObserveSource(source string, ok bool, candidates int) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	SourceFetchesTotal.WithLabelValues(source, outcome).Inc()
	if candidates > 0 {
		CandidatesTotal.WithLabelValues(source).Add(float64(candidates))
	}
}

// ObserveValidation counts one probe. result is "working" or an error kind.
func ObserveValidation(protocol, result string, elapsed time.Duration) {
	ValidationsTotal.WithLabelValues(protocol, result).Inc()
	if result == "working" {
		ValidationDuration.WithLabelValues(protocol).Observe(elapsed.Seconds())
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
