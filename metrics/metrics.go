// Package metrics defines the counter/histogram interfaces the
// transport package reports through, plus no-op stub implementations,
// mirroring _examples/mjl--mox/stub/metrics.go's pattern of keeping
// packages decoupled from a specific metrics backend. prom.go supplies
// the default backend, based on github.com/prometheus/client_golang.
package metrics

// Counter is a single monotonically increasing value.
type Counter interface {
	Inc()
}

// CounterIgnore is a Counter that discards every observation.
type CounterIgnore struct{}

func (CounterIgnore) Inc() {}

// CounterVec is a Counter parameterized by label values.
type CounterVec interface {
	IncLabels(labels ...string)
}

// CounterVecIgnore is a CounterVec that discards every observation.
type CounterVecIgnore struct{}

func (CounterVecIgnore) IncLabels(labels ...string) {}

// Histogram observes a distribution of values.
type Histogram interface {
	Observe(v float64)
}

// HistogramIgnore is a Histogram that discards every observation.
type HistogramIgnore struct{}

func (HistogramIgnore) Observe(float64) {}

// HistogramVec is a Histogram parameterized by label values.
type HistogramVec interface {
	ObserveLabels(v float64, labels ...string)
}

// HistogramVecIgnore is a HistogramVec that discards every observation.
type HistogramVecIgnore struct{}

func (HistogramVecIgnore) ObserveLabels(v float64, labels ...string) {}
