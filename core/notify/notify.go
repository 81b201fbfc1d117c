package notify

import "context"

// Notification is a push message addressed to the owner of an id tag.
type Notification struct {
	IDTag   string `json:"idtag"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Payload string `json:"payload,omitempty"`
}

// Sink delivers notifications. Delivery is best effort; callers log failures
// and move on.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// NopSink discards notifications.
type NopSink struct{}

func (NopSink) Send(context.Context, Notification) error { return nil }
