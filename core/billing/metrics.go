package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

var protectiveStops *prometheus.CounterVec

// newCollectors creates new metric collectors.
func newCollectors() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_protective_stops_total",
			Help: "Number of sessions force-stopped by billing policy",
		},
		[]string{"reason"},
	)
}

func init() {
	protectiveStops = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers billing metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(protectiveStops)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	protectiveStops = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
