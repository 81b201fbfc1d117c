package metrics

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAccrual forwards the record to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordAccrual(ev SessionAccrualEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordAccrual(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommand forwards command outcomes when supported by the sink.
func (m *MultiSink) RecordCommand(ev CommandEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(CommandRecorder); ok {
			if err := rec.RecordCommand(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordSessionClosed forwards stop events when supported by the sink.
func (m *MultiSink) RecordSessionClosed(ev SessionClosedEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(SessionClosedRecorder); ok {
			if err := rec.RecordSessionClosed(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordSchedule forwards schedule events when supported by the sink.
func (m *MultiSink) RecordSchedule(ev ScheduleEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(ScheduleRecorder); ok {
			if err := rec.RecordSchedule(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
