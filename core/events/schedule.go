package events

import "github.com/voltbridge/csms/core/model"

// ScheduleEvent is emitted for schedule engine activity. Action can be
// "start", "stop", "reminder", or "overnight".
type ScheduleEvent struct {
	Entry  model.ScheduleEntry
	Action string
	Err    error
}
