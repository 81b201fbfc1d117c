package model

import "time"

// StopActor records who ended a transaction.
type StopActor string

const (
	ActorManual  StopActor = "manual"
	ActorStation StopActor = "station"
	ActorSystem  StopActor = "system"
)

// Stop reasons with special handling in the core.
const (
	ReasonLowWallet        = "Low Wallet"
	ReasonChargingFinished = "Charging Finished"
	ReasonChargerFaulted   = "Charger Faulted"
	ReasonScheduledStop    = "Scheduled stop"
	ReasonStopByServer     = "Stop by Server"
	ReasonPowerLoss        = "PowerLoss"
	ReasonRemote           = "Remote"
)

// StopRecord holds the terminal half of a transaction.
type StopRecord struct {
	Value          float64   `json:"value"`
	Timestamp      time.Time `json:"timestamp"`
	EventTimestamp time.Time `json:"event_timestamp"`
	Actor          StopActor `json:"actor"`
	Reason         string    `json:"reason,omitempty"`
}

// Transaction is a charging session. Meter values are in Wh.
type Transaction struct {
	ID             int          `json:"id"`
	ConnectorPK    int          `json:"connector_pk"`
	Connector      ConnectorKey `json:"connector"`
	IDTag          string       `json:"id_tag"`
	StartValue     float64      `json:"start_value"`
	StartTimestamp time.Time    `json:"start_timestamp"`
	EventTimestamp time.Time    `json:"event_timestamp"`
	Stop           *StopRecord  `json:"stop,omitempty"`
}

// Open reports whether the transaction has no stop record yet.
func (t *Transaction) Open() bool { return t.Stop == nil }

// FailedStopRecord preserves a stop that could not be persisted so the session
// can be repaired offline.
type FailedStopRecord struct {
	TransactionID int        `json:"transaction_id"`
	ChargeBoxID   string     `json:"charge_box_id"`
	Stop          StopRecord `json:"stop"`
	FailReason    string     `json:"fail_reason"`
}
