package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsFunc reports cumulative published and dropped event counts.
type StatsFunc func() (published, dropped uint64)

// HubCollector exports event bus counters at scrape time.
type HubCollector struct {
	stats     StatsFunc
	published *prometheus.Desc
	dropped   *prometheus.Desc
}

// NewHubCollector creates a collector over an event hub's Stats method.
func NewHubCollector(stats StatsFunc) *HubCollector {
	return &HubCollector{
		stats: stats,
		published: prometheus.NewDesc("fleetwall_events_published_total",
			"Events published on the internal bus", nil, nil),
		dropped: prometheus.NewDesc("fleetwall_events_dropped_total",
			"Events dropped because a subscriber was full", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *HubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.dropped
}

// Collect implements prometheus.Collector.
func (c *HubCollector) Collect(ch chan<- prometheus.Metric) {
	published, dropped := c.stats()
	ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(published))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(dropped))
}
