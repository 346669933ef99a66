package prometheus

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songzhibin97/steward/pkg/metrics"
)

// Sink implements metrics.Sink on a private prometheus registry. Metric
// names arrive dotted ("services.<id>.counters.<name>") and are sanitized
// to prometheus identifiers.
type Sink struct {
	registry  *prometheus.Registry
	namespace string

	mu       sync.RWMutex
	counters map[string]*counter
	gauges   map[string]*gauge
	timers   map[string]*timer
}

// Options configures a Sink.
type Options struct {
	Registry  *prometheus.Registry
	Namespace string
}

// New creates a prometheus-backed sink.
func New(opts Options) *Sink {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "steward"
	}
	return &Sink{
		registry:  registry,
		namespace: namespace,
		counters:  make(map[string]*counter),
		gauges:    make(map[string]*gauge),
		timers:    make(map[string]*timer),
	}
}

// Handler returns the scrape endpoint for this sink's registry.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Counter returns the counter registered under name, creating it if needed.
func (s *Sink) Counter(name string) metrics.Counter {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	pc := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: s.namespace,
		Name:      sanitize(name),
	})
	if existing, ok := s.register(pc).(prometheus.Counter); ok {
		pc = existing
	}
	c = &counter{counter: pc}
	s.counters[name] = c
	return c
}

// Gauge returns the gauge registered under name, creating it if needed.
func (s *Sink) Gauge(name string) metrics.Gauge {
	s.mu.RLock()
	g, ok := s.gauges[name]
	s.mu.RUnlock()
	if ok {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	pg := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: s.namespace,
		Name:      sanitize(name),
	})
	if existing, ok := s.register(pg).(prometheus.Gauge); ok {
		pg = existing
	}
	g = &gauge{gauge: pg}
	s.gauges[name] = g
	return g
}

// Timer returns the timer registered under name, creating it if needed.
func (s *Sink) Timer(name string) metrics.Timer {
	s.mu.RLock()
	t, ok := s.timers[name]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		return t
	}
	ph := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: s.namespace,
		Name:      sanitize(name) + "_seconds",
		Buckets:   prometheus.DefBuckets,
	})
	if existing, ok := s.register(ph).(prometheus.Histogram); ok {
		ph = existing
	}
	t = &timer{histogram: ph}
	s.timers[name] = t
	return t
}

// register returns the collector to use: two dotted names can sanitize to
// the same identifier, in which case the first registration wins and both
// callers feed the same collector.
func (s *Sink) register(c prometheus.Collector) prometheus.Collector {
	if err := s.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

// sanitize maps a dotted metric name onto the prometheus charset.
func sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

type counter struct {
	counter prometheus.Counter
}

func (c *counter) Inc()              { c.counter.Inc() }
func (c *counter) Add(delta float64) { c.counter.Add(delta) }

type gauge struct {
	gauge prometheus.Gauge
}

func (g *gauge) Set(value float64) { g.gauge.Set(value) }
func (g *gauge) Inc()              { g.gauge.Inc() }
func (g *gauge) Dec()              { g.gauge.Dec() }
func (g *gauge) Add(delta float64) { g.gauge.Add(delta) }

type timer struct {
	histogram prometheus.Histogram
}

func (t *timer) Observe(d time.Duration) { t.histogram.Observe(d.Seconds()) }
