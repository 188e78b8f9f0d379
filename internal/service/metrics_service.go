package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the points
// engine: HTTP traffic, apply outcomes, concurrency-conflict retries,
// reconciliation drift and notifier fan-out health.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	applyDuration   *prometheus.HistogramVec
	applyTotal      *prometheus.CounterVec
	conflictRetries prometheus.Counter
	driftTotal      prometheus.Counter
	reconcileRuns   prometheus.Counter
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	cacheHitCount  uint64
	cacheMissCount uint64
	requestCount   uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	applyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "points_apply_duration_seconds",
		Help:    "Duration of ApplyPointChange calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	applyTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "points_apply_total",
		Help: "ApplyPointChange calls by outcome",
	}, []string{"result"})

	conflictRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "points_conflict_retries_total",
		Help: "Optimistic-concurrency retries absorbed by the processor",
	})

	driftTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "points_reconcile_drift_total",
		Help: "Aggregates found drifted from the audit log and repaired",
	})

	reconcileRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "points_reconcile_sweeps_total",
		Help: "Completed reconciliation sweep runs",
	})

	eventsPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "points_events_published_total",
		Help: "Aggregate-change events published to subscribers",
	})

	eventsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "points_events_dropped_total",
		Help: "Events discarded because a subscriber buffer was full",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, applyDuration, applyTotal,
		conflictRetries, driftTotal, reconcileRuns, eventsPublished, eventsDropped,
		cacheHits, cacheMisses, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		applyDuration:   applyDuration,
		applyTotal:      applyTotal,
		conflictRetries: conflictRetries,
		driftTotal:      driftTotal,
		reconcileRuns:   reconcileRuns,
		eventsPublished: eventsPublished,
		eventsDropped:   eventsDropped,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// ObserveApply records the outcome and latency of one ApplyPointChange call.
func (m *MetricsService) ObserveApply(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.WithLabelValues(result).Observe(duration.Seconds())
	m.applyTotal.WithLabelValues(result).Inc()
}

// RecordConflictRetry counts one absorbed version conflict.
func (m *MetricsService) RecordConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

// RecordDrift counts one detected-and-repaired aggregate drift.
func (m *MetricsService) RecordDrift() {
	if m == nil {
		return
	}
	m.driftTotal.Inc()
}

// RecordReconcileRun counts one sweep execution.
func (m *MetricsService) RecordReconcileRun() {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
}

// RecordEventPublished counts one fan-out publish.
func (m *MetricsService) RecordEventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

// RecordEventDropped counts one event discarded on a full subscriber buffer.
func (m *MetricsService) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// RecordCacheHit records aggregate-cache lookup results.
func (m *MetricsService) RecordCacheHit(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
}
