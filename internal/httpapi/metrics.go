package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects resolution counters and latency. A nil *Metrics is a
// valid no-op receiver.
type Metrics struct {
	resolutions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the feedgate collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedgate",
			Name:      "resolutions_total",
			Help:      "Resolution attempts by application, strategy and outcome.",
		}, []string{"application", "strategy", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedgate",
			Name:      "resolution_duration_seconds",
			Help:      "Wall-clock resolution latency by strategy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(m.resolutions, m.duration)
	}
	return m
}

func (m *Metrics) observeResolution(application, strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(application, strategy, outcome).Inc()
	m.duration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}
