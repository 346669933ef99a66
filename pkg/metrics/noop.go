package metrics

import "time"

// Noop returns a Sink that discards every observation. It backs tests and
// deployments with metrics disabled.
func Noop() Sink {
	return noopSink{}
}

type noopSink struct{}

func (noopSink) Counter(string) Counter { return noopMetric{} }
func (noopSink) Gauge(string) Gauge     { return noopMetric{} }
func (noopSink) Timer(string) Timer     { return noopMetric{} }

type noopMetric struct{}

func (noopMetric) Inc()                  {}
func (noopMetric) Add(float64)           {}
func (noopMetric) Set(float64)           {}
func (noopMetric) Dec()                  {}
func (noopMetric) Observe(time.Duration) {}
