package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tiercache"

// PrometheusSink exports measurements through a registry owned by one cache instance, so several caches in the
// same process never collide on metric names. Collectors are created on first use.
type PrometheusSink struct { // Implements Sink.
	registry   *prometheus.Registry
	labels     prometheus.Labels
	mux        sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink creates a sink with its own registry. `constLabels` are attached to every metric.
func NewPrometheusSink(constLabels map[string]string) *PrometheusSink {
	return &PrometheusSink{
		registry:   prometheus.NewRegistry(),
		labels:     constLabels,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Registry is the gatherer to expose, e.g. through promhttp.
func (p *PrometheusSink) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusSink) Add(name string, delta float64) {
	p.mux.Lock()
	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: "Cache counter " + name, ConstLabels: p.labels,
		})
		p.registry.MustRegister(counter)
		p.counters[name] = counter
	}
	p.mux.Unlock()
	counter.Add(delta)
}

func (p *PrometheusSink) Set(name string, value float64) {
	p.mux.Lock()
	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: "Cache gauge " + name, ConstLabels: p.labels,
		})
		p.registry.MustRegister(gauge)
		p.gauges[name] = gauge
	}
	p.mux.Unlock()
	gauge.Set(value)
}

func (p *PrometheusSink) Observe(name string, value float64) {
	p.mux.Lock()
	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: name, Help: "Cache distribution " + name, ConstLabels: p.labels,
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
		})
		p.registry.MustRegister(histogram)
		p.histograms[name] = histogram
	}
	p.mux.Unlock()
	histogram.Observe(value)
}
