package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type bridgeMetrics struct {
	syncOperationsTotal *prometheus.CounterVec
	syncItemsTotal      *prometheus.CounterVec
	syncConflictsTotal  *prometheus.CounterVec
	syncFailuresTotal   *prometheus.CounterVec
	syncDuration        *prometheus.HistogramVec
	syncStateAge        *prometheus.GaugeVec

	pointerWriteDuration  prometheus.Histogram
	manifestFetchDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *bridgeMetrics
)

func getMetrics() *bridgeMetrics {
	metricsOnce.Do(func() {
		m := &bridgeMetrics{
			syncOperationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kbridge_sync_operations_total",
					Help: "Total sync cycles by type, tenant and terminal status.",
				},
				[]string{"type", "tenant", "status"},
			),
			syncItemsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kbridge_sync_items_total",
					Help: "Total items processed by action and tenant.",
				},
				[]string{"action", "tenant"},
			),
			syncConflictsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kbridge_sync_conflicts_total",
					Help: "Total conflicts detected by type and tenant.",
				},
				[]string{"type", "tenant"},
			),
			syncFailuresTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kbridge_sync_failures_total",
					Help: "Total sync failures by error code.",
				},
				[]string{"code"},
			),
			syncDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "kbridge_sync_duration_seconds",
					Help:    "Sync cycle duration in seconds by type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"type"},
			),
			syncStateAge: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "kbridge_sync_state_age_seconds",
					Help: "Seconds since the last completed sync per tenant.",
				},
				[]string{"tenant"},
			),
			pointerWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kbridge_pointer_write_duration_seconds",
					Help:    "Pointer upsert/delete duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			manifestFetchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kbridge_manifest_fetch_duration_seconds",
					Help:    "Knowledge manifest fetch duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.syncOperationsTotal,
			m.syncItemsTotal,
			m.syncConflictsTotal,
			m.syncFailuresTotal,
			m.syncDuration,
			m.syncStateAge,
			m.pointerWriteDuration,
			m.manifestFetchDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordSyncOperation(syncType, tenant, status string, duration time.Duration) {
	m := getMetrics()
	m.syncOperationsTotal.WithLabelValues(syncType, tenant, status).Inc()
	m.syncDuration.WithLabelValues(syncType).Observe(duration.Seconds())
}

func RecordSyncItems(action, tenant string, count int) {
	if count == 0 {
		return
	}
	getMetrics().syncItemsTotal.WithLabelValues(action, tenant).Add(float64(count))
}

func RecordConflict(conflictType, tenant string) {
	getMetrics().syncConflictsTotal.WithLabelValues(conflictType, tenant).Inc()
}

func RecordFailure(code string) {
	getMetrics().syncFailuresTotal.WithLabelValues(code).Inc()
}

func SetSyncStateAge(tenant string, age time.Duration) {
	getMetrics().syncStateAge.WithLabelValues(tenant).Set(age.Seconds())
}

func RecordPointerWrite(duration time.Duration) {
	getMetrics().pointerWriteDuration.Observe(duration.Seconds())
}

func RecordManifestFetch(duration time.Duration) {
	getMetrics().manifestFetchDuration.Observe(duration.Seconds())
}
