package model

import "time"

// Measurands the core persists. Everything else from a MeterValues frame is
// dropped before storage.
const (
	MeasurandEnergyActiveImport = "Energy.Active.Import.Register"
	MeasurandPowerActiveImport  = "Power.Active.Import"
	MeasurandCurrentImport      = "Current.Import"
	MeasurandVoltage            = "Voltage"
	MeasurandSoC                = "SoC"
)

// Reading locations as reported by the station.
const (
	LocationOutlet = "Outlet"
	LocationEV     = "EV"
)

// Reading contexts the core writes itself to mark session boundaries. They
// mirror the start and stop values already on the transaction record.
const (
	ContextTransactionBegin = "Transaction.Begin"
	ContextTransactionEnd   = "Transaction.End"
)

// MeterReading is a single sampled value tied to a connector and, usually, a
// transaction. Energy readings are stored in Wh.
type MeterReading struct {
	ConnectorPK   int       `json:"connector_pk"`
	TransactionID int       `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Measurand     string    `json:"measurand"`
	Unit          string    `json:"unit,omitempty"`
	Location      string    `json:"location,omitempty"`
	Context       string    `json:"context,omitempty"`
	Format        string    `json:"format,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	Value         float64   `json:"value"`
}
