package model

import "time"

// ScheduleEntry is a user-programmed charging window for a connector. An empty
// Days list means the schedule fires every day.
type ScheduleEntry struct {
	ID           int64          `json:"id"`
	IDTag        string         `json:"id_tag"`
	Connector    ConnectorKey   `json:"connector"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Days         []time.Weekday `json:"days,omitempty"`
	Enabled      bool           `json:"enabled"`
	Started      bool           `json:"started"`
	Stopped      bool           `json:"stopped"`
	ReminderSent bool           `json:"reminder_sent"`
}

// Routine reports whether the entry recurs on the given weekday. Entries
// without explicit days recur daily.
func (e *ScheduleEntry) Routine(day time.Weekday) bool {
	if len(e.Days) == 0 {
		return true
	}
	for _, d := range e.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Recurring reports whether the entry has any weekday restriction, i.e. it is
// meant to repeat rather than fire once.
func (e *ScheduleEntry) Recurring() bool { return len(e.Days) > 0 }

// NextOccurrence returns a copy of the entry shifted to the next weekday in
// its recurrence set after the current start, keeping the original duration
// and flags reset.
func (e *ScheduleEntry) NextOccurrence() ScheduleEntry {
	duration := e.EndTime.Sub(e.StartTime)
	start := e.StartTime.AddDate(0, 0, 1)
	for i := 0; i < 7; i++ {
		if e.Routine(start.Weekday()) {
			break
		}
		start = start.AddDate(0, 0, 1)
	}
	next := *e
	next.ID = 0
	next.StartTime = start
	next.EndTime = start.Add(duration)
	next.Enabled = true
	next.Started = false
	next.Stopped = false
	next.ReminderSent = false
	return next
}
