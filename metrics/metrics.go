package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the switch
type Collector struct {
	// Queue metrics
	QueuesTotal     prometheus.Gauge
	QueuesCreated   prometheus.Counter
	QueuesDestroyed prometheus.Counter

	// Message metrics
	MessagesSent      prometheus.Counter
	MessagesSentBytes prometheus.Counter
	MessagesAcked     prometheus.Counter
	MessagesDropped   prometheus.Counter

	// Consumer metrics
	WaitsActive prometheus.Gauge

	// Recovery metrics
	ReplayedOperations prometheus.Counter
	ReplayDuration     prometheus.Gauge

	// Operation log metrics
	LogAppends       *prometheus.CounterVec
	LogAppendErrors  *prometheus.CounterVec
	LogFsyncDuration *prometheus.HistogramVec
	LogSizeBytes     *prometheus.GaugeVec

	// Server metrics
	ServerUptime prometheus.Gauge
}

// NewCollector creates a collector registered with reg. A nil reg uses the
// default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "mswitch"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		// Queue metrics
		QueuesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queues_total",
			Help:      "Current number of queues in the directory",
		}),
		QueuesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queues_created_total",
			Help:      "Total number of queues created since server start",
		}),
		QueuesDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queues_destroyed_total",
			Help:      "Total number of queues destroyed since server start",
		}),

		// Message metrics
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages stored since server start",
		}),
		MessagesSentBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_bytes_total",
			Help:      "Total payload bytes of messages stored since server start",
		}),
		MessagesAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Total number of messages acknowledged since server start",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of sends dropped because the queue did not exist",
		}),

		WaitsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waits_active",
			Help:      "Number of consumers currently blocked waiting for content or a queue",
		}),

		// Recovery metrics
		ReplayedOperations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_operations_total",
			Help:      "Total number of log records applied during recovery",
		}),
		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Wall time of the last recovery replay",
		}),

		// Operation log metrics
		LogAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_appends_total",
			Help:      "Total number of records durably appended to the operation log",
		}, []string{"backend"}),
		LogAppendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_append_errors_total",
			Help:      "Total number of failed operation log writes",
		}, []string{"backend"}),
		LogFsyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_fsync_duration_seconds",
			Help:      "Latency of operation log syncs",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"backend"}),
		LogSizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_size_bytes",
			Help:      "Bytes written to the operation log",
		}, []string{"backend"}),

		ServerUptime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds",
		}),
	}
}

// RecordQueueCreated increments queue creation counter and total
func (c *Collector) RecordQueueCreated() {
	c.QueuesCreated.Inc()
	c.QueuesTotal.Inc()
}

// RecordQueueDestroyed increments queue destruction counter and decrements total
func (c *Collector) RecordQueueDestroyed() {
	c.QueuesDestroyed.Inc()
	c.QueuesTotal.Dec()
}

// SetQueuesTotal resets the queue gauge, used after recovery
func (c *Collector) SetQueuesTotal(count int) {
	c.QueuesTotal.Set(float64(count))
}

// RecordMessageSent records a stored message and its payload size
func (c *Collector) RecordMessageSent(size int) {
	c.MessagesSent.Inc()
	c.MessagesSentBytes.Add(float64(size))
}

func (c *Collector) RecordMessageAcked() {
	c.MessagesAcked.Inc()
}

// RecordMessageDropped records a send to a queue that does not exist
func (c *Collector) RecordMessageDropped() {
	c.MessagesDropped.Inc()
}

func (c *Collector) RecordWaitStarted() {
	c.WaitsActive.Inc()
}

func (c *Collector) RecordWaitFinished() {
	c.WaitsActive.Dec()
}

// RecordReplay records a completed recovery
func (c *Collector) RecordReplay(operations int, seconds float64) {
	c.ReplayedOperations.Add(float64(operations))
	c.ReplayDuration.Set(seconds)
}

// RecordLogAppend implements interfaces.AppendMetrics
func (c *Collector) RecordLogAppend(backend string) {
	c.LogAppends.WithLabelValues(backend).Inc()
}

// RecordLogAppendError implements interfaces.AppendMetrics
func (c *Collector) RecordLogAppendError(backend string) {
	c.LogAppendErrors.WithLabelValues(backend).Inc()
}

// RecordLogFsync implements interfaces.AppendMetrics
func (c *Collector) RecordLogFsync(backend string, seconds float64) {
	c.LogFsyncDuration.WithLabelValues(backend).Observe(seconds)
}

// UpdateLogSize implements interfaces.AppendMetrics
func (c *Collector) UpdateLogSize(backend string, bytes float64) {
	c.LogSizeBytes.WithLabelValues(backend).Set(bytes)
}

// UpdateServerUptime updates the server uptime metric
func (c *Collector) UpdateServerUptime(seconds float64) {
	c.ServerUptime.Set(seconds)
}
