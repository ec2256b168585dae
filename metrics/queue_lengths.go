package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueSample is the sampled length of one live queue
type QueueSample struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Value       int64  `json:"value"`
}

// QueueSampler lists the queues that exist right now with their lengths
type QueueSampler interface {
	QueueLengths() []QueueSample
}

// QueueLengthCollector exports one gauge per live queue. It asks the
// sampler on every scrape, so queues appear and disappear with the
// directory instead of lingering as stale label sets.
type QueueLengthCollector struct {
	sampler QueueSampler
	desc    *prometheus.Desc
}

// NewQueueLengthCollector creates the collector; register it with a registry
func NewQueueLengthCollector(namespace string, sampler QueueSampler) *QueueLengthCollector {
	if namespace == "" {
		namespace = "mswitch"
	}
	return &QueueLengthCollector{
		sampler: sampler,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_length"),
			"Number of messages stored in a queue",
			[]string{"queue"}, nil,
		),
	}
}

func (c *QueueLengthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *QueueLengthCollector) Collect(ch chan<- prometheus.Metric) {
	for _, sample := range c.sampler.QueueLengths() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(sample.Value), sample.Name)
	}
}
