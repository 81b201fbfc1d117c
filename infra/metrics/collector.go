package metrics

import (
	"context"
	"time"

	"github.com/voltbridge/csms/core/events"
	coremetrics "github.com/voltbridge/csms/core/metrics"
	"github.com/voltbridge/csms/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for events.
// It stops when the context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case events.CommandEvent:
					if r, ok := sink.(coremetrics.CommandRecorder); ok {
						_ = r.RecordCommand(coremetrics.CommandEvent{
							ChargeBoxID: e.ChargeBoxID,
							Action:      e.Action,
							Outcome:     e.Outcome,
							Latency:     e.Latency,
							Time:        time.Now(),
						})
					}
				case events.TransactionEvent:
					if !e.Stopped {
						continue
					}
					if r, ok := sink.(coremetrics.SessionClosedRecorder); ok {
						ev := coremetrics.SessionClosedEvent{
							TransactionID: e.Transaction.ID,
							ChargeBoxID:   e.Transaction.Connector.ChargeBoxID,
							IDTag:         e.Transaction.IDTag,
							Time:          time.Now(),
						}
						if e.Transaction.Stop != nil {
							ev.Reason = e.Transaction.Stop.Reason
							ev.TotalEnergyKWh = (e.Transaction.Stop.Value - e.Transaction.StartValue) / 1000
						}
						_ = r.RecordSessionClosed(ev)
					}
				case events.ScheduleEvent:
					if r, ok := sink.(coremetrics.ScheduleRecorder); ok {
						_ = r.RecordSchedule(coremetrics.ScheduleEvent{
							ScheduleID:  e.Entry.ID,
							ChargeBoxID: e.Entry.Connector.ChargeBoxID,
							Action:      e.Action,
							Success:     e.Err == nil,
							Time:        time.Now(),
						})
					}
				}
			}
		}
	}()
}
