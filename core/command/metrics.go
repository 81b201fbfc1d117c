package command

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandLatency *prometheus.HistogramVec
	commandsTotal  *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec) {
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "command_roundtrip_latency_seconds",
			Help:    "Latency of remote commands from send to outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	tot := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commands_total",
			Help: "Number of remote commands by action and outcome",
		},
		[]string{"action", "outcome"},
	)
	return lat, tot
}

func init() {
	commandLatency, commandsTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers command metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(commandLatency, commandsTotal)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	commandLatency, commandsTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
