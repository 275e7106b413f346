package mpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the controller's solve counters and timings. A nil
// *Metrics disables instrumentation.
type Metrics struct {
	steps        prometheus.Counter
	failures     prometheus.Counter
	solveSeconds prometheus.Histogram
}

// NewMetrics builds the metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpc",
			Name:      "steps_total",
			Help:      "Control steps executed.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpc",
			Name:      "solver_failures_total",
			Help:      "Control steps whose NLP solve did not converge.",
		}),
		solveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mpc",
			Name:      "solve_duration_seconds",
			Help:      "Wall-clock duration of one NLP solve.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
	}
	for _, c := range []prometheus.Collector{m.steps, m.failures, m.solveSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeStep(seconds float64, ok bool) {
	if m == nil {
		return
	}
	m.steps.Inc()
	m.solveSeconds.Observe(seconds)
	if !ok {
		m.failures.Inc()
	}
}
