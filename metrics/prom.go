package metrics

import "github.com/prometheus/client_golang/prometheus"

// promCounterVec adapts a *prometheus.CounterVec to CounterVec.
type promCounterVec struct{ vec *prometheus.CounterVec }

// NewCounterVec registers and returns a prometheus-backed CounterVec
// with name, help text and label names.
func NewCounterVec(name, help string, labels ...string) CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	prometheus.MustRegister(vec)
	return promCounterVec{vec}
}

func (p promCounterVec) IncLabels(labels ...string) {
	p.vec.WithLabelValues(labels...).Inc()
}

// promHistogramVec adapts a *prometheus.HistogramVec to HistogramVec.
type promHistogramVec struct{ vec *prometheus.HistogramVec }

// NewHistogramVec registers and returns a prometheus-backed
// HistogramVec with name, help text, bucket boundaries and label names.
func NewHistogramVec(name, help string, buckets []float64, labels ...string) HistogramVec {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	prometheus.MustRegister(vec)
	return promHistogramVec{vec}
}

func (p promHistogramVec) ObserveLabels(v float64, labels ...string) {
	p.vec.WithLabelValues(labels...).Observe(v)
}
