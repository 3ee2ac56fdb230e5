// Package metrics provides Prometheus metrics for the inpertio server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inpertio/inpertio/internal/gitmirror"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inpertio_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inpertio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Resource metrics
	resourceResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inpertio_resource_results_total",
			Help: "Resource lookups by outcome",
		},
		[]string{"outcome"},
	)

	resourceBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inpertio_resource_bytes_served_total",
			Help: "Total bytes of resource content returned",
		},
	)

	// Mirror metrics
	mirrorSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inpertio_mirror_syncs_total",
			Help: "Mirror clone and fetch attempts",
		},
		[]string{"op", "status"},
	)

	mirrorSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inpertio_mirror_sync_duration_seconds",
			Help:    "Mirror clone and fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	mirrorLastSync = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inpertio_mirror_last_sync_timestamp_seconds",
			Help: "Unix time of the last successful mirror sync",
		},
	)

	mirrorBranches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inpertio_mirror_branches",
			Help: "Branches advertised by the remote at the last sync",
		},
	)

	// Checkout metrics
	checkoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inpertio_checkouts_total",
			Help: "Branch materializations by outcome",
		},
		[]string{"status"},
	)

	checkoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inpertio_checkout_duration_seconds",
			Help:    "Time to export and promote a revision",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeSnapshots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inpertio_active_snapshots",
			Help: "Branches with a materialized snapshot",
		},
	)

	staleServesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inpertio_stale_serves_total",
			Help: "Requests answered from a previous snapshot after a sync failure",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordResource records the outcome of a resource lookup. Outcome is
// "ok" or a failure kind.
func RecordResource(outcome string, bytes int) {
	resourceResultsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		resourceBytesServed.Add(float64(bytes))
	}
}

// RecordCheckout records a branch materialization.
func RecordCheckout(duration time.Duration, success bool) {
	checkoutsTotal.WithLabelValues(status(success)).Inc()
	if success {
		checkoutDuration.Observe(duration.Seconds())
	}
}

// SetActiveSnapshots sets the number of branches with a snapshot.
func SetActiveSnapshots(count int) {
	activeSnapshots.Set(float64(count))
}

// RecordStaleServe counts a request served from a previous snapshot.
func RecordStaleServe() {
	staleServesTotal.Inc()
}

// SyncRecorder feeds mirror sync outcomes into the mirror metrics.
type SyncRecorder struct{}

var _ gitmirror.SyncRecorder = SyncRecorder{}

func (SyncRecorder) RecordSync(_ context.Context, o gitmirror.SyncOutcome) {
	mirrorSyncsTotal.WithLabelValues(o.Op, status(o.Err == nil)).Inc()
	mirrorSyncDuration.WithLabelValues(o.Op).Observe(o.Duration.Seconds())
	if o.Err == nil {
		mirrorLastSync.Set(float64(o.StartedAt.Add(o.Duration).Unix()))
		mirrorBranches.Set(float64(o.Branches))
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
