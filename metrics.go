package cyclops

import (
	"net/http"

	"github.com/hupe1980/cyclops/config"
	"github.com/hupe1980/cyclops/observability"
)

// metrics holds the collectors of one instance. basic always exists and
// backs Stats; prom exists when metrics export is enabled.
type metrics struct {
	basic *observability.BasicCollector
	prom  *observability.PrometheusCollector
	all   observability.Collector
}

func newMetrics(cfg config.Metrics, extra []observability.Collector) *metrics {
	m := &metrics{basic: &observability.BasicCollector{}}

	all := observability.Multi{m.basic}
	if cfg.Enabled {
		m.prom = observability.NewPrometheusCollector(cfg.Namespace)
		all = append(all, m.prom)
	}
	m.all = append(all, extra...)

	return m
}

// handler serves the Prometheus exposition format, or nil when disabled.
func (m *metrics) handler() http.Handler {
	if m.prom == nil {
		return nil
	}
	return m.prom.Handler()
}
