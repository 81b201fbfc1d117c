package tx

import (
	"context"
	"time"

	"github.com/voltbridge/csms/core/model"
)

// TransactionRepo persists charging sessions. ConnectorPK resolves the stable
// numeric handle for a connector, creating it on first sighting.
type TransactionRepo interface {
	ConnectorPK(ctx context.Context, key model.ConnectorKey) (int, error)
	FindMatching(ctx context.Context, connectorPK int, idTag string, startValue float64, startTimestamp time.Time) (model.Transaction, bool, error)
	Insert(ctx context.Context, t model.Transaction) (int, error)
	Get(ctx context.Context, transactionID int) (model.Transaction, bool, error)
	SetStop(ctx context.Context, transactionID int, stop model.StopRecord) error
	OpenByConnector(ctx context.Context, connectorPK int) (model.Transaction, bool, error)
	OpenTransactions(ctx context.Context) ([]model.Transaction, error)
	// NextOnConnector returns the earliest transaction on the connector that
	// started after the given one.
	NextOnConnector(ctx context.Context, connectorPK, afterTransactionID int) (model.Transaction, bool, error)
	// PreviousStopValue returns the stop value of the latest stopped
	// transaction on the connector before the given one.
	PreviousStopValue(ctx context.Context, connectorPK, beforeTransactionID int) (float64, bool, error)
	InsertFailedStop(ctx context.Context, rec model.FailedStopRecord) error
}

// MeterRepo persists meter readings. Readings are append-only.
type MeterRepo interface {
	InsertBatch(ctx context.Context, readings []model.MeterReading) error
	// LastEnergy returns the most recent energy reading the station sampled
	// during the transaction. The session-boundary readings the core writes
	// itself (Transaction.Begin, Transaction.End) do not count.
	LastEnergy(ctx context.Context, transactionID int) (model.MeterReading, bool, error)
}

// ScheduleDisabler turns off a schedule entry when its session is cancelled
// from the app while running.
type ScheduleDisabler interface {
	DisableForConnector(ctx context.Context, key model.ConnectorKey, idTag string) error
}
