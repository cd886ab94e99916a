package agentexec

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	modeForeground = "foreground"
	modeBackground = "background"
)

// metrics holds the manager's collectors.
type metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	shells     prometheus.Gauge
	blocked    *prometheus.CounterVec
	network    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentexec_executions_total",
				Help: "Total number of finished executions by mode and status.",
			},
			[]string{"mode", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentexec_execution_duration_seconds",
				Help:    "Wall-clock duration of spawned executions in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 7200},
			},
			[]string{"mode"},
		),
		shells: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentexec_background_shells",
				Help: "Current number of running background shells.",
			},
		),
		blocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentexec_blocked_total",
				Help: "Total number of requests rejected by policy, by kind.",
			},
			[]string{"kind"},
		),
		network: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentexec_network_requests_total",
				Help: "Total number of proxied network requests by decision.",
			},
			[]string{"decision"},
		),
	}

	var err error
	if m.executions, err = register(reg, m.executions); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.shells, err = register(reg, m.shells); err != nil {
		return nil, err
	}
	if m.blocked, err = register(reg, m.blocked); err != nil {
		return nil, err
	}
	if m.network, err = register(reg, m.network); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg. When an identical collector is already
// registered, as happens when several managers share a registerer, the
// existing one is returned.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) finished(mode string, status Status, d time.Duration) {
	m.executions.WithLabelValues(mode, string(status)).Inc()
	if status != StatusBlocked && status != StatusSpawnFailed {
		m.duration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

func (m *metrics) rejected(kind ViolationKind) {
	m.blocked.WithLabelValues(string(kind)).Inc()
}

func (m *metrics) networkDecision(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.network.WithLabelValues(decision).Inc()
}
