package metrics

import (
	coremetrics "github.com/voltbridge/csms/core/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink records session events in Prometheus metrics.
type PromSink struct {
	billed   *prometheus.CounterVec
	energy   *prometheus.CounterVec
	closed   *prometheus.CounterVec
	commands *prometheus.CounterVec
}

// NewPromSink registers session metrics on the default Prometheus registerer.
func NewPromSink() (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	billed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_amount_total",
		Help: "Total amount billed across sessions",
	}, []string{"charge_box_id"})
	energy := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_energy_kwh_total",
		Help: "Total energy billed across sessions",
	}, []string{"charge_box_id"})
	closed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_closed_total",
		Help: "Number of closed sessions by stop reason",
	}, []string{"reason"})
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remote_commands_total",
		Help: "Remote commands by action and outcome",
	}, []string{"action", "outcome"})

	if err := reg.Register(billed); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			billed = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(energy); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			energy = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(closed); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			closed = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(commands); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			commands = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{billed: billed, energy: energy, closed: closed, commands: commands}, nil
}

// RecordAccrual increments the billing counters.
func (s *PromSink) RecordAccrual(ev coremetrics.SessionAccrualEvent) error {
	if ev.Amount > 0 {
		s.billed.WithLabelValues(ev.ChargeBoxID).Add(ev.Amount)
	}
	if ev.EnergyKWh > 0 {
		s.energy.WithLabelValues(ev.ChargeBoxID).Add(ev.EnergyKWh)
	}
	return nil
}

// RecordSessionClosed counts closed sessions by reason.
func (s *PromSink) RecordSessionClosed(ev coremetrics.SessionClosedEvent) error {
	reason := ev.Reason
	if reason == "" {
		reason = "Local"
	}
	s.closed.WithLabelValues(reason).Inc()
	return nil
}

// RecordCommand counts remote commands by action and outcome.
func (s *PromSink) RecordCommand(ev coremetrics.CommandEvent) error {
	s.commands.WithLabelValues(ev.Action, ev.Outcome).Inc()
	return nil
}
