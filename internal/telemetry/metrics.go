package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_items_enqueued_total", Help: "Mutations recorded into the offline queue"}, []string{"action"})
	ItemsProcessed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_items_processed_total", Help: "Queue items applied to the remote store"}, []string{"action"})
	ItemsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_items_failed_total", Help: "Failed processing attempts"}, []string{"action"})
	ItemsSkipped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_items_skipped_total", Help: "Exhausted items skipped by sync passes"})
	SideEffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_side_effect_failures_total", Help: "Non-critical side effects that failed and were discarded"}, []string{"effect"})
	FallbackUsed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_fallback_strategy_total", Help: "Strategy that applied a mutation with fallbacks"}, []string{"strategy"})
	SyncPasses         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_sync_passes_total", Help: "Sync passes started"}, []string{"trigger"})
	DroppedTriggers    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_sync_triggers_dropped_total", Help: "Sync triggers dropped by the guard"}, []string{"reason"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "fieldsync_queue_items", Help: "Queue items by retry state"}, []string{"state"})
	OnlineGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fieldsync_online", Help: "1 when the remote store is reachable"})
	HandlerDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "fieldsync_handler_duration_seconds", Help: "Action handler latency", Buckets: prometheus.DefBuckets}, []string{"action"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			ItemsProcessed,
			ItemsFailed,
			ItemsSkipped,
			SideEffectFailures,
			FallbackUsed,
			SyncPasses,
			DroppedTriggers,
			RateLimitRejects,
			QueueDepthGauge,
			OnlineGauge,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}

// SetQueueDepth publishes queue stats as gauges.
func SetQueueDepth(pending, retrying, failed int) {
	QueueDepthGauge.WithLabelValues("pending").Set(float64(pending))
	QueueDepthGauge.WithLabelValues("retrying").Set(float64(retrying))
	QueueDepthGauge.WithLabelValues("failed").Set(float64(failed))
}

// SetOnline publishes the connectivity flag.
func SetOnline(online bool) {
	if online {
		OnlineGauge.Set(1)
		return
	}
	OnlineGauge.Set(0)
}
