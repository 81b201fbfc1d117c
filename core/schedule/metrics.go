package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	scheduleActions   *prometheus.CounterVec
	scheduleReminders prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter) {
	actions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_actions_total",
			Help: "Number of schedule start/stop attempts by outcome",
		},
		[]string{"action", "outcome"},
	)
	reminders := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedule_reminders_total",
			Help: "Number of reminder notifications sent",
		},
	)
	return actions, reminders
}

func init() {
	scheduleActions, scheduleReminders = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers schedule metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(scheduleActions, scheduleReminders)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	scheduleActions, scheduleReminders = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
