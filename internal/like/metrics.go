package like

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 按讚管線的 Prometheus 指標
type Metrics struct {
	Toggles       *prometheus.CounterVec
	ToggleErrors  *prometheus.CounterVec
	ToggleLatency prometheus.Histogram

	SyncWrites    *prometheus.CounterVec
	SyncFailures  prometheus.Counter
	SyncDropped   prometheus.Counter
	SyncPending   prometheus.Gauge
	FlushDuration prometheus.Histogram

	NotifySent    prometheus.Counter
	NotifyFailed  prometheus.Counter
	NotifyDropped prometheus.Counter

	FallbackActive prometheus.Gauge
	Reconciled     *prometheus.CounterVec
}

// NewMetrics 建立並註冊指標
//
// reg 為 nil 時指標不會被註冊，適合測試。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Toggles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_toggles_total",
			Help: "Number of successful like toggles",
		}, []string{"resource_type", "action"}),

		ToggleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_toggle_errors_total",
			Help: "Number of rejected or failed like toggles",
		}, []string{"code"}),

		ToggleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "like_toggle_duration_seconds",
			Help:    "Latency of the like toggle fast path",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),

		SyncWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_sync_writes_total",
			Help: "Number of like relation writes applied to the database",
		}, []string{"op"}),

		SyncFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_failures_total",
			Help: "Number of failed like sync attempts",
		}),

		SyncDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_dropped_total",
			Help: "Number of like sync tasks dropped after exhausting retries",
		}),

		SyncPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "like_sync_pending",
			Help: "Number of pending like sync tasks",
		}),

		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "like_sync_flush_duration_seconds",
			Help:    "Duration of a sync flush cycle",
			Buckets: prometheus.DefBuckets,
		}),

		NotifySent: f.NewCounter(prometheus.CounterOpts{
			Name: "like_notifications_sent_total",
			Help: "Number of like notifications delivered",
		}),

		NotifyFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "like_notifications_failed_total",
			Help: "Number of like notifications that failed to deliver",
		}),

		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "like_notifications_dropped_total",
			Help: "Number of like notifications dropped because the queue was full or closed",
		}),

		FallbackActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "like_store_fallback_active",
			Help: "1 when the store is serving from the in-memory fallback",
		}),

		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_count_reconciled_total",
			Help: "Number of like_count rows corrected by the reconciler",
		}, []string{"resource_type"}),
	}
}
