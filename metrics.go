package webdriver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects session activity. A nil *Metrics records nothing.
type Metrics struct {
	started     *prometheus.CounterVec
	active      prometheus.Gauge
	failures    *prometheus.CounterVec
	navigations prometheus.Histogram
}

// NewMetrics creates the session collectors and registers them with reg,
// unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webdriver",
			Name:      "sessions_started_total",
			Help:      "Sessions that reached the ready state, by connection mode.",
		}, []string{"mode"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webdriver",
			Name:      "sessions_active",
			Help:      "Sessions that are ready or failed and not yet closed.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webdriver",
			Name:      "failures_total",
			Help:      "Failed session operations, by operation and error kind.",
		}, []string{"op", "kind"}),
		navigations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webdriver",
			Name:      "navigation_duration_seconds",
			Help:      "Time from Page.navigate until the load event.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.active, m.failures, m.navigations)
	}
	return m
}

func (m *Metrics) sessionStarted(mode ConnectionMode) {
	if m == nil {
		return
	}
	label := "sandboxed"
	if _, ok := mode.(DebugPort); ok {
		label = "debug-port"
	}
	m.started.WithLabelValues(label).Inc()
	m.active.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) failure(op string, err error) {
	if m == nil || err == nil {
		return
	}
	m.failures.WithLabelValues(op, KindOf(err).String()).Inc()
}

func (m *Metrics) navigated(d time.Duration) {
	if m == nil {
		return
	}
	m.navigations.Observe(d.Seconds())
}
