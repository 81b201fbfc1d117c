package billing

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/voltbridge/csms/core/model"
)

// Business constants. The margins are contractual values; do not tune them
// without a product decision.
const (
	// TaxRate is applied on top of every billed segment.
	TaxRate = 0.18
	// WalletMargin is the low-balance cutoff: a wallet session is stopped once
	// the aggregate consumed amount comes within this margin of the balance.
	WalletMargin = 30.0
	// FastChargerMargin covers the final energy pulse of DC chargers for
	// one-shot payments.
	FastChargerMargin = 8.0
)

// ErrCounterRegression is returned when a meter reading is lower than a value
// already billed. The engine treats it as a hardware fault.
var ErrCounterRegression = errors.New("energy counter went backwards")

// AccrualEvent is one billable meter reading routed through the transaction
// manager. Energy values are in Wh.
type AccrualEvent struct {
	TransactionID  int
	ConnectorPK    int
	Connector      model.ConnectorKey
	IDTag          string
	StartValueWh   float64
	StartTimestamp time.Time
	LastEnergyWh   float64
	Timestamp      time.Time
}

// FinalizeParams closes the billing ledger of a transaction.
type FinalizeParams struct {
	TransactionID int
	ChargeBoxID   string
	IDTag         string
	StopValueWh   float64
	StopTimestamp time.Time
}

// LedgerRepo persists billing segments. Latest returns the most recent row by
// start timestamp; SumAmounts re-derives the running total from persisted rows
// so the live view never drifts from the ledger.
type LedgerRepo interface {
	Latest(ctx context.Context, transactionID int) (model.LedgerEntry, bool, error)
	Insert(ctx context.Context, e model.LedgerEntry) (int64, error)
	Update(ctx context.Context, e model.LedgerEntry) error
	SumAmounts(ctx context.Context, transactionID int) (float64, error)
	ActiveTransactionIDs(ctx context.Context, idTag string) ([]int, error)
}

// AccountInfo describes how a tag pays for charging. Balance holds the wallet
// balance for wallet accounts and the purchased amount for one-shot payments.
type AccountInfo struct {
	Mode          model.PaymentMode
	Balance       float64
	SingleSession bool
}

// Accounts resolves payment accounts for authorization tags.
type Accounts interface {
	Account(ctx context.Context, idTag string) (AccountInfo, error)
	FeeExempt(ctx context.Context, idTag, chargeBoxID string) (bool, error)
}

// Stations answers station-level questions needed by billing policy.
type Stations interface {
	IsFastCharger(ctx context.Context, chargeBoxID string) (bool, error)
}

// Stopper force-stops a running session. Implementations must not call back
// into the engine synchronously; the engine invokes it from its own goroutine
// while a protective stop is pending.
type Stopper interface {
	StopSession(ctx context.Context, transactionID int, reason string) error
}

// ConnectorHistory exposes the previous transaction's final stop value on a
// connector, used by the counter regression check.
type ConnectorHistory interface {
	PreviousStopValue(ctx context.Context, connectorPK, beforeTransactionID int) (float64, bool, error)
}

// round2 rounds money half-up to 2 decimal places.
func round2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

// round3 rounds energy half-up to 3 decimal places.
func round3(v float64) float64 {
	return math.Floor(v*1000+0.5) / 1000
}
