package directors

import (
	"github.com/prometheus/client_golang/prometheus"
)

const mergeMetricsNamespace = "branchdb_merge"

// MergeCollector is a prometheus.Collector for merge outcomes.
type MergeCollector struct {
	merges   *prometheus.CounterVec
	replayed prometheus.Counter
	duration prometheus.Histogram
}

// NewMergeCollector returns a new MergeCollector.
func NewMergeCollector() *MergeCollector {
	return &MergeCollector{
		merges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: mergeMetricsNamespace,
				Name:      "merges_total",
				Help:      "The number of merges, by outcome.",
			}, []string{"result"},
		),
		replayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: mergeMetricsNamespace,
				Name:      "replayed_changes_total",
				Help:      "The number of change entries replayed onto target branches.",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: mergeMetricsNamespace,
				Name:      "duration_seconds",
				Help:      "The time taken by merges that reached the applying state.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *MergeCollector) Describe(ch chan<- *prometheus.Desc) {
	c.merges.Describe(ch)
	c.replayed.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *MergeCollector) Collect(ch chan<- prometheus.Metric) {
	c.merges.Collect(ch)
	c.replayed.Collect(ch)
	c.duration.Collect(ch)
}
