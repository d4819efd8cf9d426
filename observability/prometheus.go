package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports metrics to its own registry so several
// instances (e.g. in tests) never collide on registration.
type PrometheusCollector struct {
	registry *prometheus.Registry

	ingestTotal     *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
	queryTotal      *prometheus.CounterVec
	queryDuration   prometheus.Histogram
	queryResults    prometheus.Histogram
	persistTotal    *prometheus.CounterVec
	persistDuration *prometheus.HistogramVec
	persistBytes    *prometheus.GaugeVec
	shardPoints     *prometheus.GaugeVec
}

// NewPrometheusCollector creates a collector with a fresh registry that also
// carries the Go runtime and process collectors.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Queue messages processed by shard and outcome",
		}, []string{"shard", "outcome"}),

		ingestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Time to fingerprint and index one URL",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"shard"}),

		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dead_letters_total",
			Help:      "Messages moved to the dead-letter list by shard and error kind",
		}, []string{"shard", "kind"}),

		queryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "total",
			Help:      "Similarity queries by result",
		}, []string{"result"}),

		queryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end query latency including the fingerprint fetch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}),

		queryResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "results",
			Help:      "Number of results returned per query",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 1000, 10000},
		}),

		persistTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "persist_total",
			Help:      "Shard persist attempts by shard and result",
		}, []string{"shard", "result"}),

		persistDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "persist_duration_seconds",
			Help:      "Shard persist latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"shard"}),

		persistBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "file_bytes",
			Help:      "Size of the last persisted shard file",
		}, []string{"shard"}),

		shardPoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "points",
			Help:      "Points held in the shard tree",
		}, []string{"shard"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Registry returns the underlying registry.
func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// RecordIngest implements Collector.
func (p *PrometheusCollector) RecordIngest(shard, outcome string, d time.Duration) {
	p.ingestTotal.WithLabelValues(shard, outcome).Inc()
	p.ingestDuration.WithLabelValues(shard).Observe(d.Seconds())
}

// RecordDeadLetter implements Collector.
func (p *PrometheusCollector) RecordDeadLetter(shard, kind string) {
	p.deadLetters.WithLabelValues(shard, kind).Inc()
}

// RecordQuery implements Collector.
func (p *PrometheusCollector) RecordQuery(results int, d time.Duration, err error) {
	p.queryTotal.WithLabelValues(result(err)).Inc()
	p.queryDuration.Observe(d.Seconds())
	if err == nil {
		p.queryResults.Observe(float64(results))
	}
}

// RecordPersist implements Collector.
func (p *PrometheusCollector) RecordPersist(shard string, bytes int, d time.Duration, err error) {
	p.persistTotal.WithLabelValues(shard, result(err)).Inc()
	p.persistDuration.WithLabelValues(shard).Observe(d.Seconds())
	if err == nil {
		p.persistBytes.WithLabelValues(shard).Set(float64(bytes))
	}
}

// SetShardSize implements Collector.
func (p *PrometheusCollector) SetShardSize(shard string, points int) {
	p.shardPoints.WithLabelValues(shard).Set(float64(points))
}
