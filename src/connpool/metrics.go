package connpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "branchdb_connpool"

// Collector is a prometheus.Collector that collects metrics about the
// tenant store pool.
type Collector struct {
	openHandles  prometheus.Gauge
	opens        prometheus.Counter
	openFailures prometheus.Counter
	checkpoints  prometheus.Counter
	evictions    *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		openHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "open_handles",
				Help:      "The number of tenant store handles currently cached.",
			},
		),
		opens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "opens_total",
				Help:      "The number of tenant stores opened.",
			},
		),
		openFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "open_failures_total",
				Help:      "The number of failed attempts to open a tenant store.",
			},
		),
		checkpoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoints_total",
				Help:      "The number of completed WAL checkpoints.",
			},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "closes_total",
				Help:      "The number of tenant store handles closed, by reason.",
			}, []string{"reason"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.openHandles.Describe(ch)
	c.opens.Describe(ch)
	c.openFailures.Describe(ch)
	c.checkpoints.Describe(ch)
	c.evictions.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.openHandles.Collect(ch)
	c.opens.Collect(ch)
	c.openFailures.Collect(ch)
	c.checkpoints.Collect(ch)
	c.evictions.Collect(ch)
}
