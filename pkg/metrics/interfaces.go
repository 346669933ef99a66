package metrics

import "time"

// Counter represents a counter metric that only goes up.
type Counter interface {
	// Inc increments the counter by 1
	Inc()

	// Add adds the given value to the counter
	// The value must be >= 0
	Add(delta float64)
}

// Gauge represents a gauge metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value
	Set(value float64)

	// Inc increments the gauge by 1
	Inc()

	// Dec decrements the gauge by 1
	Dec()

	// Add adds the given value to the gauge
	Add(delta float64)
}

// Timer represents a timer metric observing durations.
type Timer interface {
	// Observe records a single duration observation
	Observe(d time.Duration)
}

// Sink creates and caches metrics by name. Implementations must be safe for
// concurrent use; repeated calls with the same name return the same metric.
type Sink interface {
	// Counter returns the counter registered under name, creating it if needed
	Counter(name string) Counter

	// Gauge returns the gauge registered under name, creating it if needed
	Gauge(name string) Gauge

	// Timer returns the timer registered under name, creating it if needed
	Timer(name string) Timer
}
