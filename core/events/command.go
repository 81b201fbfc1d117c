package events

import "time"

// CommandEvent is published for each completed remote command.
type CommandEvent struct {
	ChargeBoxID string
	Action      string
	Outcome     string
	Detail      string
	Latency     time.Duration
}
