package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scx_eevdf"

// Collector exposes a Recorder as Prometheus metrics.
type Collector struct {
	rec     *Recorder
	events  *prometheus.Desc
	latency *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(rec *Recorder) *Collector {
	return &Collector{
		rec: rec,
		events: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Scheduler events summed over all CPUs.",
			[]string{"event"}, nil),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_seconds"),
			"Enqueue to running latency.",
			nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.latency
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.rec.Snapshot()
	for i, v := range s.Stats {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(v), StatNames[i])
	}

	buckets := make(map[float64]uint64, NrBuckets-1)
	var cum uint64
	for b := 0; b < NrBuckets-1; b++ {
		cum += s.Latency.Buckets[b]
		buckets[float64(BucketUpperBound(b))/1e9] = cum
	}
	ch <- prometheus.MustNewConstHistogram(c.latency, s.Latency.Count, float64(s.Latency.Sum)/1e9, buckets)
}
