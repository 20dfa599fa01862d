package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports every reporter of a Registry as Prometheus metrics.
type Collector struct {
	registry *Registry

	running    *prometheus.Desc
	queueDepth *prometheus.Desc
	inFlight   *prometheus.Desc
	ceiling    *prometheus.Desc
	compiled   *prometheus.Desc
	failures   *prometheus.Desc
	parked     *prometheus.Desc
}

// NewCollector creates a collector over registry.
func NewCollector(registry *Registry) *Collector {
	labels := []string{"controller"}
	return &Collector{
		registry: registry,

		running: prometheus.NewDesc(
			"chunkindex_controller_running",
			"Whether the compiler queue controller loop is running",
			labels, nil,
		),
		queueDepth: prometheus.NewDesc(
			"chunkindex_queue_depth",
			"Pending compiler queue entries",
			labels, nil,
		),
		inFlight: prometheus.NewDesc(
			"chunkindex_in_flight_batches",
			"Compilation batches currently dispatched",
			labels, nil,
		),
		ceiling: prometheus.NewDesc(
			"chunkindex_in_flight_ceiling",
			"Current in-flight ceiling after backpressure",
			labels, nil,
		),
		compiled: prometheus.NewDesc(
			"chunkindex_compiled_items_total",
			"Queue items consumed by successful compilations",
			labels, nil,
		),
		failures: prometheus.NewDesc(
			"chunkindex_compile_failures_total",
			"Compilation batches that failed",
			labels, nil,
		),
		parked: prometheus.NewDesc(
			"chunkindex_parked_items_total",
			"Queue items parked after repeated compilation failures",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.queueDepth
	ch <- c.inFlight
	ch <- c.ceiling
	ch <- c.compiled
	ch <- c.failures
	ch <- c.parked
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.registry.Snapshots() {
		running := 0.0
		if s.Running {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running, s.Name)
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth), s.Name)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight), s.Name)
		ch <- prometheus.MustNewConstMetric(c.ceiling, prometheus.GaugeValue, float64(s.Ceiling), s.Name)
		ch <- prometheus.MustNewConstMetric(c.compiled, prometheus.CounterValue, float64(s.Compiled), s.Name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures), s.Name)
		ch <- prometheus.MustNewConstMetric(c.parked, prometheus.CounterValue, float64(s.Parked), s.Name)
	}
}
