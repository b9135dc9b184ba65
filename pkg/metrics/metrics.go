// Package metrics provides Prometheus instrumentation for YubiHSM2 sessions
// and commands.
//
// Collectors are registered on a caller-supplied Registerer so that several
// clients, and tests, can each own a registry. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics.
	Namespace = "yubihsm"

	// Label names
	LabelCommand = "command"
	LabelStatus  = "status"

	// Session status values
	StatusOpened = "opened"
	StatusFailed = "failed"
	StatusClosed = "closed"

	// Command status values
	StatusSuccess     = "success"
	StatusDeviceError = "device_error"
	StatusError       = "error"
)

// Metrics holds the collectors of one client.
type Metrics struct {
	// SessionsTotal counts session bootstraps and closes by status.
	SessionsTotal *prometheus.CounterVec

	// ActiveSessions is the number of established sessions.
	ActiveSessions prometheus.Gauge

	// CommandsTotal counts inner commands by command name and status.
	CommandsTotal *prometheus.CounterVec

	// CommandDuration tracks the round trip time of inner commands.
	CommandDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sessions_total",
				Help:      "Total number of secure sessions by status",
			},
			[]string{LabelStatus},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_sessions",
				Help:      "Number of established secure sessions",
			},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "commands_total",
				Help:      "Total number of inner commands by command and status",
			},
			[]string{LabelCommand, LabelStatus},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "command_duration_seconds",
				Help:      "Round trip time of inner commands in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{LabelCommand},
		),
	}
}

// SessionOpened records an established session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(StatusOpened).Inc()
	m.ActiveSessions.Inc()
}

// SessionFailed records a bootstrap that did not establish a session.
func (m *Metrics) SessionFailed() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(StatusFailed).Inc()
}

// SessionClosed records the end of an established session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(StatusClosed).Inc()
	m.ActiveSessions.Dec()
}

// ObserveCommand records one inner command.
func (m *Metrics) ObserveCommand(command, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, status).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}
