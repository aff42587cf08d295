package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isdmx/datarun/store"
)

const metricsNamespace = "datarun"

type metrics struct {
	submitted  *prometheus.CounterVec
	finished   *prometheus.CounterVec
	queueDepth prometheus.Gauge
	running    prometheus.Gauge
	duration   prometheus.Histogram
}

// newMetrics registers the queue collectors on reg. A nil reg keeps the
// collectors unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		submitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_submitted_total",
				Help:      "Jobs accepted by Submit, by outcome (queued or rejected).",
			},
			[]string{"outcome"},
		),
		finished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal state, by status and failure kind.",
			},
			[]string{"status", "kind"},
		),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_running",
			Help:      "Jobs currently holding a sandbox session.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from claim to terminal state.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
}

func (m *metrics) observeFinished(status store.Status, kind store.Kind) {
	m.finished.WithLabelValues(string(status), string(kind)).Inc()
}
