package command

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voltbridge/csms/core/events"
	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/internal/eventbus"
)

// DefaultTimeout bounds how long a command waits for the station answer.
const DefaultTimeout = 10 * time.Second

// Dispatcher issues remote commands over the registered transports and turns
// the asynchronous station answers into synchronous outcomes. It keeps no
// persistent state.
type Dispatcher struct {
	transports map[model.TransportKind]Transport
	registry   *Registry
	timeout    time.Duration
	log        logger.Logger
	bus        eventbus.EventBus
}

// NewDispatcher wires the dispatcher. A nil bus disables event publication and
// a zero timeout falls back to DefaultTimeout.
func NewDispatcher(reg *Registry, timeout time.Duration, log logger.Logger, bus eventbus.EventBus, transports ...Transport) (*Dispatcher, error) {
	if reg == nil {
		return nil, fmt.Errorf("dispatcher: nil registry")
	}
	if len(transports) == 0 {
		return nil, fmt.Errorf("dispatcher: no transports")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := make(map[model.TransportKind]Transport, len(transports))
	for _, t := range transports {
		m[t.Kind()] = t
	}
	return &Dispatcher{transports: m, registry: reg, timeout: timeout, log: log, bus: bus}, nil
}

// Send issues the request and blocks until the station answers, the transport
// fails, the timeout fires, or ctx is cancelled, whichever happens first.
// Later signals for the same call are discarded.
func (d *Dispatcher) Send(ctx context.Context, chargeBoxID string, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ref := d.registry.Lookup(chargeBoxID)
	tr, ok := d.transports[ref.Transport]
	if !ok {
		return d.finish(chargeBoxID, req, time.Now(),
			Response{Outcome: OutcomeFailed, Detail: ErrUnknownChargePoint.Error()})
	}

	started := time.Now()
	done := make(chan Response, 1)
	var completed atomic.Bool
	complete := func(r Response) {
		if completed.CompareAndSwap(false, true) {
			done <- r
		}
	}

	if err := tr.Send(ctx, ref, req, func(res Result) { complete(classify(res)) }); err != nil {
		complete(Response{Outcome: OutcomeFailed, Detail: err.Error()})
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return d.finish(chargeBoxID, req, started, r)
	case <-timer.C:
		complete(Response{Outcome: OutcomeTimedOut, Detail: "no answer within " + d.timeout.String()})
	case <-ctx.Done():
		complete(Response{Outcome: OutcomeFailed, Detail: ctx.Err().Error()})
	}
	return d.finish(chargeBoxID, req, started, <-done)
}

func (d *Dispatcher) finish(chargeBoxID string, req Request, started time.Time, r Response) Response {
	elapsed := time.Since(started)
	commandsTotal.WithLabelValues(req.Action, r.Outcome.String()).Inc()
	commandLatency.WithLabelValues(req.Action).Observe(elapsed.Seconds())
	if d.log != nil {
		d.log.Infof("command %s to %s: %s %s", req.Action, chargeBoxID, r.Outcome, r.Detail)
	}
	if d.bus != nil {
		d.bus.Publish(events.CommandEvent{
			ChargeBoxID: chargeBoxID,
			Action:      req.Action,
			Outcome:     r.Outcome.String(),
			Detail:      r.Detail,
			Latency:     elapsed,
		})
	}
	return r
}

// RemoteStart asks the station to begin a session on the connector.
func (d *Dispatcher) RemoteStart(ctx context.Context, cp model.ConnectorKey, idTag string) Response {
	return d.Send(ctx, cp.ChargeBoxID, Request{
		Action:  ActionRemoteStart,
		Payload: RemoteStartPayload{IDTag: idTag, ConnectorID: cp.ConnectorID},
	})
}

// RemoteStop asks the station to end the transaction.
func (d *Dispatcher) RemoteStop(ctx context.Context, chargeBoxID string, transactionID int) Response {
	return d.Send(ctx, chargeBoxID, Request{
		Action:  ActionRemoteStop,
		Payload: RemoteStopPayload{TransactionID: transactionID},
	})
}
