// Package metrics exposes job and collaborator metrics for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns one registry worth of collectors. A nil *Recorder is a no-op.
type Recorder struct {
	reg *prometheus.Registry

	jobRuns      *prometheus.CounterVec
	jobRetries   *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobsInFlight prometheus.Gauge
	jobsDropped  *prometheus.CounterVec
	scheduleSkip *prometheus.CounterVec

	statsRequests *prometheus.CounterVec
	statsDuration *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		jobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpulse_job_runs_total",
				Help: "Job attempts by outcome",
			},
			[]string{"job", "outcome"},
		),
		jobRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpulse_job_retries_total",
				Help: "Retries scheduled after a failed attempt",
			},
			[]string{"job"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statpulse_job_duration_seconds",
				Help:    "Job attempt execution time in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"job"},
		),
		jobsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "statpulse_jobs_in_flight",
				Help: "Number of job attempts currently executing",
			},
		),
		jobsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpulse_jobs_dropped_total",
				Help: "Jobs dropped before execution",
			},
			[]string{"reason"},
		),
		scheduleSkip: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpulse_schedule_skips_total",
				Help: "Trigger firings skipped because the previous run was still active",
			},
			[]string{"schedule"},
		),
		statsRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpulse_stats_requests_total",
				Help: "Requests to the statistics service",
			},
			[]string{"endpoint", "status"},
		),
		statsDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statpulse_stats_request_duration_seconds",
				Help:    "Statistics service request latency in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),
	}
}

// Registry is exposed for tests and custom handlers.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) JobFinished(job, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.jobRuns.WithLabelValues(job, outcome).Inc()
	r.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (r *Recorder) JobRetry(job string) {
	if r == nil {
		return
	}
	r.jobRetries.WithLabelValues(job).Inc()
}

func (r *Recorder) JobDropped(reason string) {
	if r == nil {
		return
	}
	r.jobsDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) IncInFlight() {
	if r == nil {
		return
	}
	r.jobsInFlight.Inc()
}

func (r *Recorder) DecInFlight() {
	if r == nil {
		return
	}
	r.jobsInFlight.Dec()
}

func (r *Recorder) ScheduleSkipped(schedule string) {
	if r == nil {
		return
	}
	r.scheduleSkip.WithLabelValues(schedule).Inc()
}

// StatsRequest records one call to the statistics service. status 0 means
// the request never got a response.
func (r *Recorder) StatsRequest(endpoint string, status int, d time.Duration) {
	if r == nil {
		return
	}
	s := "error"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	r.statsRequests.WithLabelValues(endpoint, s).Inc()
	r.statsDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
