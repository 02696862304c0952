package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ScansEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cofre_scans_enqueued_total",
			Help: "Total number of scans durably enqueued.",
		},
	)

	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cofre_sync_runs_total",
			Help: "Total number of sync runs by outcome.",
		},
		[]string{"outcome"}, // completed, skipped, snapshot_failed
	)

	SyncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cofre_sync_items_total",
			Help: "Total number of items processed by sync, by result.",
		},
		[]string{"result"}, // delivered, retried, dropped
	)

	DeliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cofre_delivery_failures_total",
			Help: "Total number of failed deliveries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	SyncDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cofre_sync_duration_seconds",
			Help:    "Wall time of completed sync runs.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	PendingItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cofre_pending_items",
			Help: "Items waiting in the offline queue at the last observation.",
		},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cofre_dlq_total",
			Help: "Total number of dropped items published as dead letters, by publish status.",
		},
		[]string{"status"}, // published, publish_failed
	)

	BackendOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cofre_backend_online",
			Help: "1 when the last connectivity probe reached the backend.",
		},
	)
)

// MustRegister registers every collector on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ScansEnqueuedTotal,
		SyncRunsTotal,
		SyncItemsTotal,
		DeliveryFailuresTotal,
		SyncDurationSeconds,
		PendingItems,
		DLQTotal,
		BackendOnline,
	)
}

func RecordEnqueued() {
	ScansEnqueuedTotal.Inc()
}

// RecordSyncRun records one sync invocation. Duration is only observed for
// runs that actually processed a snapshot.
func RecordSyncRun(outcome string, d time.Duration) {
	SyncRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		SyncDurationSeconds.Observe(d.Seconds())
	}
}

func RecordItem(result string) {
	SyncItemsTotal.WithLabelValues(result).Inc()
}

func RecordDeliveryFailure(reason string) {
	DeliveryFailuresTotal.WithLabelValues(reason).Inc()
}

func SetPending(n int) {
	PendingItems.Set(float64(n))
}

func RecordDLQ(status string) {
	DLQTotal.WithLabelValues(status).Inc()
}

func SetBackendOnline(online bool) {
	if online {
		BackendOnline.Set(1)
		return
	}
	BackendOnline.Set(0)
}
