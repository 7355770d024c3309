// Package metrics provides the process-wide metrics registry.
//
// The registry exposes three primitives (counter, gauge, histogram) keyed by
// name plus an optional label set, backed by prometheus collectors. The
// scrape surface is external; core packages only record.
package metrics

import (
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LabelObserver receives every label value recorded against a metric.
// The cardinality advisor registers itself here.
type LabelObserver func(metric string, labels prometheus.Labels)

// Registry is the process-wide metrics registry. Safe for concurrent use.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelKeys  map[string][]string

	observer LabelObserver
	logger   *log.Logger
}

// NewRegistry creates an empty registry with its own prometheus registerer.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelKeys:  make(map[string][]string),
		logger:     log.New(log.Writer(), "[METRICS] ", log.LstdFlags),
	}
}

// SetLabelObserver installs the cardinality observer. Pass nil to detach.
func (r *Registry) SetLabelObserver(obs LabelObserver) {
	r.mu.Lock()
	r.observer = obs
	r.mu.Unlock()
}

// Handler returns the HTTP scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func sortedKeys(labels prometheus.Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// counterVec returns the counter vec for name, creating it on first use.
// The label key set is fixed by the first recording; later recordings with a
// different key set are dropped with a log line rather than panicking.
func (r *Registry) counterVec(name string, labels prometheus.Labels) *prometheus.CounterVec {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return vec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok = r.counters[name]; ok {
		return vec
	}
	keys := sortedKeys(labels)
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
	if err := r.reg.Register(vec); err != nil {
		r.logger.Printf("register counter %s: %v", name, err)
		return nil
	}
	r.counters[name] = vec
	r.labelKeys[name] = keys
	return vec
}

func (r *Registry) gaugeVec(name string, labels prometheus.Labels) *prometheus.GaugeVec {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return vec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok = r.gauges[name]; ok {
		return vec
	}
	keys := sortedKeys(labels)
	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
	if err := r.reg.Register(vec); err != nil {
		r.logger.Printf("register gauge %s: %v", name, err)
		return nil
	}
	r.gauges[name] = vec
	r.labelKeys[name] = keys
	return vec
}

func (r *Registry) histogramVec(name string, labels prometheus.Labels, buckets []float64) *prometheus.HistogramVec {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return vec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok = r.histograms[name]; ok {
		return vec
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	keys := sortedKeys(labels)
	vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: buckets}, keys)
	if err := r.reg.Register(vec); err != nil {
		r.logger.Printf("register histogram %s: %v", name, err)
		return nil
	}
	r.histograms[name] = vec
	r.labelKeys[name] = keys
	return vec
}

func (r *Registry) notify(name string, labels prometheus.Labels) {
	r.mu.RLock()
	obs := r.observer
	r.mu.RUnlock()
	if obs != nil && len(labels) > 0 {
		obs(name, labels)
	}
}

// IncCounter increments the named counter by 1.
func (r *Registry) IncCounter(name string, labels prometheus.Labels) {
	r.AddCounter(name, 1, labels)
}

// AddCounter increments the named counter by v. Negative values are ignored.
func (r *Registry) AddCounter(name string, v float64, labels prometheus.Labels) {
	if v < 0 {
		return
	}
	if vec := r.counterVec(name, labels); vec != nil {
		if c, err := vec.GetMetricWith(labels); err == nil {
			c.Add(v)
			r.notify(name, labels)
		}
	}
}

// SetGauge sets the named gauge to v.
func (r *Registry) SetGauge(name string, v float64, labels prometheus.Labels) {
	if vec := r.gaugeVec(name, labels); vec != nil {
		if g, err := vec.GetMetricWith(labels); err == nil {
			g.Set(v)
			r.notify(name, labels)
		}
	}
}

// AddGauge adds delta (which may be negative) to the named gauge.
func (r *Registry) AddGauge(name string, delta float64, labels prometheus.Labels) {
	if vec := r.gaugeVec(name, labels); vec != nil {
		if g, err := vec.GetMetricWith(labels); err == nil {
			g.Add(delta)
			r.notify(name, labels)
		}
	}
}

// Observe records v into the named histogram with default buckets.
func (r *Registry) Observe(name string, v float64, labels prometheus.Labels) {
	r.ObserveWithBuckets(name, v, labels, nil)
}

// ObserveWithBuckets records v into the named histogram. Buckets apply only
// on first creation of the histogram.
func (r *Registry) ObserveWithBuckets(name string, v float64, labels prometheus.Labels, buckets []float64) {
	if vec := r.histogramVec(name, labels, buckets); vec != nil {
		if h, err := vec.GetMetricWith(labels); err == nil {
			h.Observe(v)
			r.notify(name, labels)
		}
	}
}

// Gatherer exposes the underlying prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// MetricNames returns the names of all registered metrics, sorted.
func (r *Registry) MetricNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.labelKeys))
	for name := range r.labelKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats summarizes the registry for the ops endpoint.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"counters":   len(r.counters),
		"gauges":     len(r.gauges),
		"histograms": len(r.histograms),
	}
}
