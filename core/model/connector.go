package model

import (
	"fmt"
	"time"
)

// ConnectorKey identifies a physical connector by the station identity the
// charge point reports on the wire.
type ConnectorKey struct {
	ChargeBoxID string `json:"charge_box_id"`
	ConnectorID int    `json:"connector_id"`
}

func (k ConnectorKey) String() string {
	return fmt.Sprintf("%s#%d", k.ChargeBoxID, k.ConnectorID)
}

// TransportKind selects the wire protocol used to reach a charge point.
type TransportKind string

const (
	TransportMQTT      TransportKind = "mqtt"
	TransportWebsocket TransportKind = "websocket"
)

// ChargePointRef carries everything a transport needs to address a station.
type ChargePointRef struct {
	ChargeBoxID string
	Transport   TransportKind
	// Endpoint is the station address for transports that dial out.
	Endpoint string
}

// ConnectorStatus is the last notified state of a connector.
type ConnectorStatus struct {
	ConnectorPK int       `json:"connector_pk"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Connector states reported through StatusNotification that matter to the
// orchestration core.
const (
	StatusAvailable = "Available"
	StatusPreparing = "Preparing"
	StatusCharging  = "Charging"
	StatusFinishing = "Finishing"
	StatusFaulted   = "Faulted"
)
