package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promMetrics struct {
	registry   *prometheus.Registry
	enqueued   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	resolved   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	duration   prometheus.Histogram
	depth      *prometheus.GaugeVec
	recovered  prometheus.Counter
	evicted    prometheus.Counter
	peakMemory prometheus.Gauge
}

// Each collector owns a registry so several engines (tests) never collide on
// the global default registerer.
func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_items_enqueued_total",
				Help: "Total number of admitted queue items.",
			},
			[]string{"guild"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_items_rejected_total",
				Help: "Total number of refused enqueue requests.",
			},
			[]string{"guild", "reason"},
		),
		resolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_attempts_resolved_total",
				Help: "Processing attempts by the status the item moved to.",
			},
			[]string{"guild", "status"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_processing_errors_total",
				Help: "Failed processing attempts by error kind.",
			},
			[]string{"kind"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_processing_duration_seconds",
				Help:    "Duration of processing attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archiver_queue_items",
				Help: "Items held per guild and status.",
			},
			[]string{"guild", "status"},
		),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_stalls_recovered_total",
			Help: "Items reclaimed from stalled workers.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_cleanup_evicted_total",
			Help: "Terminal items removed by cleanup.",
		}),
		peakMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_peak_heap_bytes",
			Help: "Highest sampled Go heap allocation.",
		}),
	}
	m.registry.MustRegister(
		m.enqueued,
		m.rejected,
		m.resolved,
		m.errors,
		m.duration,
		m.depth,
		m.recovered,
		m.evicted,
		m.peakMemory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.prom.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for callers that add their own collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prom.registry
}
