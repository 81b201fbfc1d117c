package metrics

import "time"

// SessionAccrualEvent is a per-reading billing record.
type SessionAccrualEvent struct {
	TransactionID int
	ChargeBoxID   string
	IDTag         string
	EnergyKWh     float64
	Amount        float64
	UnitFare      float64
	Time          time.Time
}

// MetricsSink records billing and command events for observability purposes.
type MetricsSink interface {
	RecordAccrual(ev SessionAccrualEvent) error
}

// CommandEvent captures the outcome of a remote command.
type CommandEvent struct {
	ChargeBoxID string
	Action      string
	Outcome     string
	Latency     time.Duration
	Time        time.Time
}

// CommandRecorder records remote command outcomes.
type CommandRecorder interface {
	RecordCommand(ev CommandEvent) error
}

// SessionClosedEvent captures the final figures of a stopped transaction.
type SessionClosedEvent struct {
	TransactionID  int
	ChargeBoxID    string
	IDTag          string
	Reason         string
	TotalAmount    float64
	TotalEnergyKWh float64
	Time           time.Time
}

// SessionClosedRecorder records stopped transactions.
type SessionClosedRecorder interface {
	RecordSessionClosed(ev SessionClosedEvent) error
}

// ScheduleEvent captures schedule engine activity.
type ScheduleEvent struct {
	ScheduleID  int64
	ChargeBoxID string
	Action      string
	Success     bool
	Time        time.Time
}

// ScheduleRecorder records schedule engine activity.
type ScheduleRecorder interface {
	RecordSchedule(ev ScheduleEvent) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordAccrual(SessionAccrualEvent) error      { return nil }
func (NopSink) RecordCommand(CommandEvent) error             { return nil }
func (NopSink) RecordSessionClosed(SessionClosedEvent) error { return nil }
func (NopSink) RecordSchedule(ScheduleEvent) error           { return nil }
