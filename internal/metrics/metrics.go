// Package metrics exposes sync counters and timings in Prometheus format.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calsync"

type Metrics struct {
	registry *prometheus.Registry

	syncRuns         *prometheus.CounterVec
	syncRejections   *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	tokenRefreshes   *prometheus.CounterVec
	feedFetches      *prometheus.CounterVec
	reconcileAborted prometheus.Counter
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs that entered the Syncing state, by trigger reason and result.",
		}, []string{"reason", "result"}),
		syncRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rejections_total",
			Help:      "Sync triggers refused by admission, by trigger reason and refusal.",
		}, []string{"reason", "refusal"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"reason"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Refresh-token exchanges by outcome.",
		}, []string{"result"}),
		feedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetch_total",
			Help:      "Per-source fetches by source type and outcome.",
		}, []string{"type", "result"}),
		reconcileAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_aborted_total",
			Help:      "Registry writes refused because they would have emptied a non-empty registry.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncRuns,
		m.syncRejections,
		m.syncDuration,
		m.tokenRefreshes,
		m.feedFetches,
		m.reconcileAborted,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SyncRun(reason, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(reason, result).Inc()
	m.syncDuration.WithLabelValues(reason).Observe(d.Seconds())
}

func (m *Metrics) SyncRejected(reason, refusal string) {
	if m == nil {
		return
	}
	m.syncRejections.WithLabelValues(reason, refusal).Inc()
}

func (m *Metrics) TokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedFetch(sourceType, result string) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(sourceType, result).Inc()
}

func (m *Metrics) ReconcileAborted() {
	if m == nil {
		return
	}
	m.reconcileAborted.Inc()
}
