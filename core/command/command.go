package command

import (
	"context"
	"errors"

	"github.com/voltbridge/csms/core/model"
)

// OCPP 1.6 actions issued by the core.
const (
	ActionRemoteStart = "RemoteStartTransaction"
	ActionRemoteStop  = "RemoteStopTransaction"
	ActionUnlock      = "UnlockConnector"
)

// Request is a single remote command addressed to one charge point. ID is the
// correlation identifier echoed back by the transport; the dispatcher assigns
// one when empty.
type Request struct {
	ID      string
	Action  string
	Payload any
}

// RemoteStartPayload is the RemoteStartTransaction.req body.
type RemoteStartPayload struct {
	IDTag       string `json:"idTag"`
	ConnectorID int    `json:"connectorId,omitempty"`
}

// RemoteStopPayload is the RemoteStopTransaction.req body.
type RemoteStopPayload struct {
	TransactionID int `json:"transactionId"`
}

// UnlockPayload is the UnlockConnector.req body.
type UnlockPayload struct {
	ConnectorID int `json:"connectorId"`
}

// Result is what a transport delivers back for a request: either the station
// confirmation status or a protocol level error frame.
type Result struct {
	Status           string
	ErrorCode        string
	ErrorDescription string
}

// Outcome classifies how a command ended.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeProtocolError
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeProtocolError:
		return "protocol_error"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Accepted reports whether the station agreed to execute the command.
func (o Outcome) Accepted() bool { return o == OutcomeAccepted }

// Response is the dispatcher's answer for one Send call. Exactly one Response
// is produced per call regardless of how many signals race to complete it.
type Response struct {
	Outcome Outcome
	Detail  string
}

// ErrUnknownChargePoint is returned when no transport can address the station.
var ErrUnknownChargePoint = errors.New("unknown charge point")

// Transport delivers a request to a charge point. Send returns an error only
// for delivery failures; the station answer (or error frame) arrives through
// deliver, invoked at most once.
type Transport interface {
	Kind() model.TransportKind
	Send(ctx context.Context, cp model.ChargePointRef, req Request, deliver func(Result)) error
}

// classify maps a transport result to an outcome.
func classify(res Result) Response {
	if res.ErrorCode != "" {
		detail := res.ErrorCode
		if res.ErrorDescription != "" {
			detail += ": " + res.ErrorDescription
		}
		return Response{Outcome: OutcomeProtocolError, Detail: detail}
	}
	switch res.Status {
	case "Accepted":
		return Response{Outcome: OutcomeAccepted}
	case "Rejected":
		return Response{Outcome: OutcomeRejected}
	default:
		return Response{Outcome: OutcomeFailed, Detail: "unexpected status " + res.Status}
	}
}
