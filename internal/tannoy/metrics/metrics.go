package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tannoyproject/tannoy/pkg/api"
)

const MetricPrefix = "tannoy_"

// BusStats is the view of the event bus exposed as metrics.
type BusStats interface {
	LatestSeq() uint64
	RingSize() int
	SubscriberCount() int
	PublishedByType() map[string]uint64
	ListenerPanics() uint64
}

// StreamStats is the view of the SSE transport exposed as metrics.
type StreamStats interface {
	CountByState() map[string]int
	DroppedTotal() uint64
	GuardDisconnects() uint64
}

// HubStats is the view of the WebSocket hub exposed as metrics.
type HubStats interface {
	ClientCount() int
	RoomCount() int
	DroppedTotal() uint64
	ForceClosed() uint64
	OversizedDropped() uint64
}

// PoolStats is the view of the worker pool exposed as metrics.
type PoolStats interface {
	Status() api.PoolStatus
}

// WebhookStats is the view of the webhook ingest endpoint exposed as metrics.
type WebhookStats interface {
	Counts() (accepted, duplicates, rejected uint64)
}

// LimiterStats is the view of one rate limit policy exposed as metrics.
type LimiterStats interface {
	Name() string
	BucketCount() int
	Counts() (allowed, rejected uint64)
}

var busLatestSeqDesc = prometheus.NewDesc(
	MetricPrefix+"bus_latest_seq",
	"Sequence number of the most recently published event",
	nil,
	nil,
)

var busRingSizeDesc = prometheus.NewDesc(
	MetricPrefix+"bus_ring_size",
	"Number of events currently retained for replay",
	nil,
	nil,
)

var busSubscribersDesc = prometheus.NewDesc(
	MetricPrefix+"bus_subscribers",
	"Number of live event bus subscribers",
	nil,
	nil,
)

var busListenerPanicsDesc = prometheus.NewDesc(
	MetricPrefix+"bus_listener_panics_total",
	"Total number of recovered subscriber panics",
	nil,
	nil,
)

var eventsPublishedDesc = prometheus.NewDesc(
	MetricPrefix+"events_published_total",
	"Total number of events published",
	[]string{"eventType"},
	nil,
)

var streamConnectionsDesc = prometheus.NewDesc(
	MetricPrefix+"stream_connections",
	"Number of live SSE connections",
	[]string{"state"},
	nil,
)

var streamDroppedFramesDesc = prometheus.NewDesc(
	MetricPrefix+"stream_dropped_frames_total",
	"Total number of SSE frames dropped under backpressure",
	nil,
	nil,
)

var streamGuardDisconnectsDesc = prometheus.NewDesc(
	MetricPrefix+"stream_guard_disconnects_total",
	"Total number of SSE connections terminated by the connection guard",
	nil,
	nil,
)

var wsClientsDesc = prometheus.NewDesc(
	MetricPrefix+"ws_clients",
	"Number of connected WebSocket clients",
	nil,
	nil,
)

var wsRoomsDesc = prometheus.NewDesc(
	MetricPrefix+"ws_rooms",
	"Number of rooms with at least one member",
	nil,
	nil,
)

var wsDroppedFramesDesc = prometheus.NewDesc(
	MetricPrefix+"ws_dropped_frames_total",
	"Total number of WebSocket frames dropped on slow clients",
	nil,
	nil,
)

var wsForceClosedDesc = prometheus.NewDesc(
	MetricPrefix+"ws_force_closed_total",
	"Total number of WebSocket clients closed for failing to answer pings",
	nil,
	nil,
)

var wsOversizedMessagesDesc = prometheus.NewDesc(
	MetricPrefix+"ws_oversized_messages_total",
	"Total number of chat messages rejected for exceeding the size limit",
	nil,
	nil,
)

var poolSlotsDesc = prometheus.NewDesc(
	MetricPrefix+"pool_slots",
	"Number of worker slots",
	nil,
	nil,
)

var poolQueueDepthDesc = prometheus.NewDesc(
	MetricPrefix+"pool_queue_depth",
	"Number of jobs waiting for a worker slot",
	nil,
	nil,
)

var poolQueueCapacityDesc = prometheus.NewDesc(
	MetricPrefix+"pool_queue_capacity",
	"Capacity of the job queue",
	nil,
	nil,
)

var poolRunningDesc = prometheus.NewDesc(
	MetricPrefix+"pool_running",
	"Number of jobs currently executing",
	nil,
	nil,
)

var poolJobsCompletedDesc = prometheus.NewDesc(
	MetricPrefix+"pool_jobs_completed_total",
	"Total number of jobs that finished successfully",
	nil,
	nil,
)

var poolJobsFailedDesc = prometheus.NewDesc(
	MetricPrefix+"pool_jobs_failed_total",
	"Total number of jobs that crashed their worker",
	nil,
	nil,
)

var poolJobsRejectedDesc = prometheus.NewDesc(
	MetricPrefix+"pool_jobs_rejected_total",
	"Total number of jobs rejected because the queue was full",
	nil,
	nil,
)

var poolWorkersReplacedDesc = prometheus.NewDesc(
	MetricPrefix+"pool_workers_replaced_total",
	"Total number of workers replaced after a crash",
	nil,
	nil,
)

var webhookAcceptedDesc = prometheus.NewDesc(
	MetricPrefix+"webhook_deliveries_accepted_total",
	"Total number of webhook deliveries accepted and published",
	nil,
	nil,
)

var webhookDuplicateDesc = prometheus.NewDesc(
	MetricPrefix+"webhook_deliveries_duplicate_total",
	"Total number of webhook deliveries acknowledged as duplicates",
	nil,
	nil,
)

var webhookRejectedDesc = prometheus.NewDesc(
	MetricPrefix+"webhook_deliveries_rejected_total",
	"Total number of webhook deliveries rejected before verification passed",
	nil,
	nil,
)

var ratelimitBucketsDesc = prometheus.NewDesc(
	MetricPrefix+"ratelimit_buckets",
	"Number of live token buckets",
	[]string{"policy"},
	nil,
)

var ratelimitAllowedDesc = prometheus.NewDesc(
	MetricPrefix+"ratelimit_allowed_total",
	"Total number of requests admitted",
	[]string{"policy"},
	nil,
)

var ratelimitRejectedDesc = prometheus.NewDesc(
	MetricPrefix+"ratelimit_rejected_total",
	"Total number of requests rejected",
	[]string{"policy"},
	nil,
)

// SystemCollector exposes the state of all server components as Prometheus
// metrics. Components are read at scrape time; every accessor is a cheap
// snapshot under the component's own lock.
type SystemCollector struct {
	bus      BusStats
	stream   StreamStats
	hub      HubStats
	pool     PoolStats
	webhooks WebhookStats
	limiters []LimiterStats
}

func ExposeDataMetrics(
	bus BusStats,
	stream StreamStats,
	hub HubStats,
	pool PoolStats,
	webhooks WebhookStats,
	limiters []LimiterStats,
) *SystemCollector {
	collector := NewSystemCollector(bus, stream, hub, pool, webhooks, limiters)
	prometheus.MustRegister(collector)
	return collector
}

func NewSystemCollector(
	bus BusStats,
	stream StreamStats,
	hub HubStats,
	pool PoolStats,
	webhooks WebhookStats,
	limiters []LimiterStats,
) *SystemCollector {
	return &SystemCollector{
		bus:      bus,
		stream:   stream,
		hub:      hub,
		pool:     pool,
		webhooks: webhooks,
		limiters: limiters,
	}
}

func (c *SystemCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- busLatestSeqDesc
	desc <- busRingSizeDesc
	desc <- busSubscribersDesc
	desc <- busListenerPanicsDesc
	desc <- eventsPublishedDesc
	desc <- streamConnectionsDesc
	desc <- streamDroppedFramesDesc
	desc <- streamGuardDisconnectsDesc
	desc <- wsClientsDesc
	desc <- wsRoomsDesc
	desc <- wsDroppedFramesDesc
	desc <- wsForceClosedDesc
	desc <- wsOversizedMessagesDesc
	desc <- poolSlotsDesc
	desc <- poolQueueDepthDesc
	desc <- poolQueueCapacityDesc
	desc <- poolRunningDesc
	desc <- poolJobsCompletedDesc
	desc <- poolJobsFailedDesc
	desc <- poolJobsRejectedDesc
	desc <- poolWorkersReplacedDesc
	desc <- webhookAcceptedDesc
	desc <- webhookDuplicateDesc
	desc <- webhookRejectedDesc
	desc <- ratelimitBucketsDesc
	desc <- ratelimitAllowedDesc
	desc <- ratelimitRejectedDesc
}

func (c *SystemCollector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(busLatestSeqDesc, prometheus.GaugeValue, float64(c.bus.LatestSeq()))
	metrics <- prometheus.MustNewConstMetric(busRingSizeDesc, prometheus.GaugeValue, float64(c.bus.RingSize()))
	metrics <- prometheus.MustNewConstMetric(busSubscribersDesc, prometheus.GaugeValue, float64(c.bus.SubscriberCount()))
	metrics <- prometheus.MustNewConstMetric(busListenerPanicsDesc, prometheus.CounterValue, float64(c.bus.ListenerPanics()))
	for eventType, count := range c.bus.PublishedByType() {
		metrics <- prometheus.MustNewConstMetric(eventsPublishedDesc, prometheus.CounterValue, float64(count), eventType)
	}

	for state, count := range c.stream.CountByState() {
		metrics <- prometheus.MustNewConstMetric(streamConnectionsDesc, prometheus.GaugeValue, float64(count), state)
	}
	metrics <- prometheus.MustNewConstMetric(streamDroppedFramesDesc, prometheus.CounterValue, float64(c.stream.DroppedTotal()))
	metrics <- prometheus.MustNewConstMetric(streamGuardDisconnectsDesc, prometheus.CounterValue, float64(c.stream.GuardDisconnects()))

	metrics <- prometheus.MustNewConstMetric(wsClientsDesc, prometheus.GaugeValue, float64(c.hub.ClientCount()))
	metrics <- prometheus.MustNewConstMetric(wsRoomsDesc, prometheus.GaugeValue, float64(c.hub.RoomCount()))
	metrics <- prometheus.MustNewConstMetric(wsDroppedFramesDesc, prometheus.CounterValue, float64(c.hub.DroppedTotal()))
	metrics <- prometheus.MustNewConstMetric(wsForceClosedDesc, prometheus.CounterValue, float64(c.hub.ForceClosed()))
	metrics <- prometheus.MustNewConstMetric(wsOversizedMessagesDesc, prometheus.CounterValue, float64(c.hub.OversizedDropped()))

	status := c.pool.Status()
	metrics <- prometheus.MustNewConstMetric(poolSlotsDesc, prometheus.GaugeValue, float64(status.Slots))
	metrics <- prometheus.MustNewConstMetric(poolQueueDepthDesc, prometheus.GaugeValue, float64(status.QueueDepth))
	metrics <- prometheus.MustNewConstMetric(poolQueueCapacityDesc, prometheus.GaugeValue, float64(status.QueueCapacity))
	metrics <- prometheus.MustNewConstMetric(poolRunningDesc, prometheus.GaugeValue, float64(status.Running))
	metrics <- prometheus.MustNewConstMetric(poolJobsCompletedDesc, prometheus.CounterValue, float64(status.Completed))
	metrics <- prometheus.MustNewConstMetric(poolJobsFailedDesc, prometheus.CounterValue, float64(status.Failed))
	metrics <- prometheus.MustNewConstMetric(poolJobsRejectedDesc, prometheus.CounterValue, float64(status.Rejected))
	metrics <- prometheus.MustNewConstMetric(poolWorkersReplacedDesc, prometheus.CounterValue, float64(status.Replaced))

	accepted, duplicates, rejected := c.webhooks.Counts()
	metrics <- prometheus.MustNewConstMetric(webhookAcceptedDesc, prometheus.CounterValue, float64(accepted))
	metrics <- prometheus.MustNewConstMetric(webhookDuplicateDesc, prometheus.CounterValue, float64(duplicates))
	metrics <- prometheus.MustNewConstMetric(webhookRejectedDesc, prometheus.CounterValue, float64(rejected))

	for _, limiter := range c.limiters {
		allowed, limited := limiter.Counts()
		metrics <- prometheus.MustNewConstMetric(ratelimitBucketsDesc, prometheus.GaugeValue, float64(limiter.BucketCount()), limiter.Name())
		metrics <- prometheus.MustNewConstMetric(ratelimitAllowedDesc, prometheus.CounterValue, float64(allowed), limiter.Name())
		metrics <- prometheus.MustNewConstMetric(ratelimitRejectedDesc, prometheus.CounterValue, float64(limited), limiter.Name())
	}
}
