package tx

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transactionsStarted *prometheus.CounterVec
	transactionsStopped *prometheus.CounterVec
	failedStops         prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter) {
	started := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transactions_started_total",
			Help: "Number of charging transactions opened",
		},
		[]string{"charge_box_id"},
	)
	stopped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transactions_stopped_total",
			Help: "Number of charging transactions closed",
		},
		[]string{"reason"},
	)
	failed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transaction_failed_stops_total",
			Help: "Number of stop records that could not be persisted",
		},
	)
	return started, stopped, failed
}

func init() {
	transactionsStarted, transactionsStopped, failedStops = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers transaction metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(transactionsStarted, transactionsStopped, failedStops)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	transactionsStarted, transactionsStopped, failedStops = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
