package metrics

import "testing"

func TestIgnoreStubsDoNotPanic(t *testing.T) {
	CounterIgnore{}.Inc()
	CounterVecIgnore{}.IncLabels("a", "b")
	HistogramIgnore{}.Observe(1.5)
	HistogramVecIgnore{}.ObserveLabels(1.5, "a")
}

func TestPromCounterVecIncrements(t *testing.T) {
	c := NewCounterVec("qsrmail_test_counter_total", "test counter", "outcome")
	c.IncLabels("ok")
	c.IncLabels("ok")
	c.IncLabels("fail")
}

func TestPromHistogramVecObserves(t *testing.T) {
	h := NewHistogramVec("qsrmail_test_duration_seconds", "test duration", []float64{0.1, 1, 10}, "phase")
	h.ObserveLabels(0.5, "connect")
}
