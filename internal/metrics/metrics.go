// Package metrics defines the Prometheus instruments shared by the polling
// jobs and caches. Instruments register with the default registry once at
// package init; /metrics exposes them through promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ccuradar"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var (
	// JobRuns counts job invocations by job name and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Scheduled job runs by job and status.",
	}, []string{"job", "status"})

	// JobDuration observes wall time per job run.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job run duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"job"})

	// ItemsPolled reports how many items the last run of a job touched.
	ItemsPolled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "items_polled",
		Help:      "Items processed by the most recent job run.",
	}, []string{"job"})

	// CacheLoads counts single-flight loader calls by cache and result
	// (ok, stale, error).
	CacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_loads_total",
		Help:      "Upstream loads performed by single-flight caches.",
	}, []string{"cache", "result"})
)

// ObserveJob records the outcome and duration of one job run.
func ObserveJob(job string, start time.Time, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
	}
	JobRuns.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
