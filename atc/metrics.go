package atc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sequences *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	retries   prometheus.Counter
	prompts   prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atc",
			Name:      "sequences_total",
			Help:      "Tool change sequences by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atc",
			Name:      "sequence_duration_seconds",
			Help:      "Time spent running tool change sequences.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"op"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atc",
			Name:      "seat_retries_total",
			Help:      "Automatic retries after a tool failed to seat.",
		}),
		prompts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atc",
			Name:      "operator_prompts_total",
			Help:      "Times the operator was asked to seat a tool by hand.",
		}),
	}
}

func (m *metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.sequences, m.duration, m.retries, m.prompts)
}

func (m *metrics) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	m.sequences.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
