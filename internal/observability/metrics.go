package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_http_requests_total",
			Help: "Total number of control API requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_http_request_duration_seconds",
			Help:    "Control API latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	liveEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_live_events_total",
			Help: "Live events by kind and reconciliation outcome.",
		},
		[]string{"kind", "outcome"},
	)
	snapshotFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_snapshot_fetch_total",
			Help: "Snapshot fetches by result.",
		},
		[]string{"result"},
	)
	snapshotFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_sync_snapshot_fetch_duration_seconds",
			Help:    "Snapshot fetch latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	pendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sync_pending_writes",
			Help: "Optimistic sends awaiting confirmation.",
		},
	)
	writeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_write_failures_total",
			Help: "Remote write failures by operation.",
		},
		[]string{"op"},
	)
	feedDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sync_feed_degraded",
			Help: "1 while the active conversation's live feed is down.",
		},
	)
	feedResubscribesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_feed_resubscribes_total",
			Help: "Successful live feed resubscriptions.",
		},
	)
	typingBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_typing_broadcasts_total",
			Help: "Typing broadcasts by direction and result.",
		},
		[]string{"direction", "result"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sync_ws_active_connections",
			Help: "Number of UI websocket connections.",
		},
	)
	updatesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_updates_dropped_total",
			Help: "Engine updates dropped because the buffer was full.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		liveEventsTotal,
		snapshotFetchTotal,
		snapshotFetchDuration,
		pendingWrites,
		writeFailuresTotal,
		feedDegraded,
		feedResubscribesTotal,
		typingBroadcastsTotal,
		wsActiveConnections,
		updatesDroppedTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncLiveEvent(kind, outcome string) {
	liveEventsTotal.WithLabelValues(kind, outcome).Inc()
}

func ObserveSnapshotFetch(result string, took time.Duration) {
	snapshotFetchTotal.WithLabelValues(result).Inc()
	snapshotFetchDuration.Observe(took.Seconds())
}

func SetPendingWrites(n int) {
	pendingWrites.Set(float64(n))
}

func IncWriteFailure(op string) {
	writeFailuresTotal.WithLabelValues(op).Inc()
}

func SetFeedDegraded(degraded bool) {
	if degraded {
		feedDegraded.Set(1)
		return
	}
	feedDegraded.Set(0)
}

func IncFeedResubscribe() {
	feedResubscribesTotal.Inc()
}

func IncTypingBroadcast(direction, result string) {
	typingBroadcastsTotal.WithLabelValues(direction, result).Inc()
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncUpdatesDropped() {
	updatesDroppedTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
