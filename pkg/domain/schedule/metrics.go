package schedule

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/archlinux/buildbtw/pkg/domain"
)

// Metrics exposes scheduler counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildbtw_node_transitions_total",
				Help: "Build node state transitions, by resulting status.",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.transitions)
	return m
}

func (m *Metrics) transition(status domain.BuildStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(status)).Inc()
}
