// Package metrics provides Prometheus metrics for the prediction engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the prediction engine.
type Metrics struct {
	// Planning metrics
	CellsPlanned prometheus.Counter

	// Job metrics
	JobsStarted   prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	InFlightJobs  prometheus.Gauge

	// Timing metrics
	PredictDuration prometheus.Histogram
	MergeDuration   prometheus.Histogram

	// Merge metrics
	TilesMerged prometheus.Counter

	// Workspace metrics
	WorkspaceAllocations prometheus.Counter
	WorkspaceReleases    prometheus.Counter

	// Cleanup metrics
	TransientTracked prometheus.Counter
	TransientSwept   prometheus.Counter
	SweepFailures    prometheus.Counter
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tilecast"
	}

	m := &Metrics{
		CellsPlanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_planned_total",
				Help:      "Total number of grid cells planned",
			},
		),
		JobsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of prediction jobs dispatched",
			},
		),
		JobsSucceeded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_succeeded_total",
				Help:      "Total number of prediction jobs completed successfully",
			},
		),
		JobsFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_failed_total",
				Help:      "Total number of prediction jobs that failed",
			},
		),
		InFlightJobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_jobs",
				Help:      "Number of prediction jobs currently running",
			},
		),
		PredictDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "predict_duration_seconds",
				Help:      "Time to predict one tile",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
		),
		MergeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to merge result tiles into the final output",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		TilesMerged: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_merged_total",
				Help:      "Total number of result tiles merged",
			},
		),
		WorkspaceAllocations: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspace_allocations_total",
				Help:      "Total number of isolated workspaces allocated",
			},
		),
		WorkspaceReleases: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspace_releases_total",
				Help:      "Total number of isolated workspaces released",
			},
		),
		TransientTracked: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transient_tracked_total",
				Help:      "Total number of transient resources registered for cleanup",
			},
		),
		TransientSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transient_swept_total",
				Help:      "Total number of transient resources removed by the sweeper",
			},
		),
		SweepFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_failures_total",
				Help:      "Total number of transient resources the sweeper failed to remove",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
