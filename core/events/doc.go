// Package events defines the session related events emitted on the event bus.
//
// Available event types:
//   - CommandEvent: remote command completion
//   - TransactionEvent: transaction start or stop
//   - BillingEvent: billing driven protective stop
//   - ScheduleEvent: scheduled charging activity
package events
