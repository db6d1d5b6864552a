package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registry.
// Dotted names become underscored: "billing.charge.failed" is exported as
// billing_charge_failed_total.
type PrometheusFactory struct {
	registry prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewPrometheusFactory registers metrics with registry. A nil registry
// means prometheus.DefaultRegisterer.
func NewPrometheusFactory(registry prometheus.Registerer) *PrometheusFactory {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{
		registry:   registry,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Counter returns the counter registered under name, creating it once.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricName(name) + "_total",
		Help: "Number of " + name + " signals",
	})
	f.counters[name] = register(f.registry, c)
	return f.counters[name]
}

// Histogram returns the histogram registered under name, creating it once.
// Buckets are sized for amounts in minor units.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricName(name),
		Help:    "Distribution of " + name,
		Buckets: prometheus.ExponentialBuckets(100, 10, 7),
	})
	f.histograms[name] = register(f.registry, h)
	return f.histograms[name]
}

// register returns the collector already registered under the same name
// when there is one, so two engines can share a registry.
func register[C prometheus.Collector](registry prometheus.Registerer, c C) C {
	if err := registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
