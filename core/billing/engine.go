package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voltbridge/csms/core/events"
	"github.com/voltbridge/csms/core/logger"
	coremetrics "github.com/voltbridge/csms/core/metrics"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/pricing"
	"github.com/voltbridge/csms/internal/eventbus"
)

// Config holds billing engine settings.
type Config struct {
	// Timezone is the wall-clock zone for tariff window matching.
	Timezone string `json:"timezone"`
}

// Engine turns meter deltas into ledger rows and enforces prepaid balances.
// All accrual calls are serialized: two readings for the same transaction must
// never interleave because each reads the previous energy written by the last.
type Engine struct {
	mu       sync.Mutex
	ledger   LedgerRepo
	pricing  pricing.Source
	accounts Accounts
	stations Stations
	history  ConnectorHistory
	stopper  Stopper
	sink     coremetrics.MetricsSink
	bus      eventbus.EventBus
	log      logger.Logger
	loc      *time.Location

	snapshots    map[int]model.SessionSnapshot
	pendingStops map[int]string
}

// NewEngine wires the billing engine. The stopper is injected separately via
// SetStopper because the transaction manager and the engine reference each
// other.
func NewEngine(cfg Config, ledger LedgerRepo, src pricing.Source, accounts Accounts, stations Stations, history ConnectorHistory, sink coremetrics.MetricsSink, bus eventbus.EventBus, log logger.Logger) (*Engine, error) {
	if ledger == nil || src == nil {
		return nil, fmt.Errorf("billing: ledger and pricing source are required")
	}
	if log == nil {
		return nil, fmt.Errorf("billing: logger is required")
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("billing: timezone: %w", err)
		}
		loc = l
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Engine{
		ledger:       ledger,
		pricing:      src,
		accounts:     accounts,
		stations:     stations,
		history:      history,
		sink:         sink,
		bus:          bus,
		log:          log,
		loc:          loc,
		snapshots:    make(map[int]model.SessionSnapshot),
		pendingStops: make(map[int]string),
	}, nil
}

// SetStopper injects the session stopper used for protective stops.
func (e *Engine) SetStopper(s Stopper) {
	e.mu.Lock()
	e.stopper = s
	e.mu.Unlock()
}

// Accrue bills one meter reading. Pricing failures are fatal for the call;
// account lookup failures only skip balance enforcement.
func (e *Engine) Accrue(ctx context.Context, ev AccrualEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if reason, ok := e.pendingStops[ev.TransactionID]; ok {
		e.log.Debugf("tx %d: skipping accrual, stop pending (%s)", ev.TransactionID, reason)
		return nil
	}

	row, hasRow, err := e.ledger.Latest(ctx, ev.TransactionID)
	if err != nil {
		return fmt.Errorf("ledger lookup for tx %d: %w", ev.TransactionID, err)
	}
	if hasRow && !row.Active {
		e.log.Debugf("tx %d: ledger already closed, ignoring reading", ev.TransactionID)
		return nil
	}

	prevEnergy := ev.StartValueWh
	if hasRow {
		prevEnergy = row.LastEnergy
	}
	if ev.LastEnergyWh < prevEnergy {
		e.protectiveStop(ev.TransactionID, ev.IDTag, model.ReasonChargerFaulted, ev.LastEnergyWh)
		return fmt.Errorf("tx %d: reading %.0f below previous %.0f: %w", ev.TransactionID, ev.LastEnergyWh, prevEnergy, ErrCounterRegression)
	}
	if e.history != nil {
		prevStop, found, err := e.history.PreviousStopValue(ctx, ev.ConnectorPK, ev.TransactionID)
		if err != nil {
			return fmt.Errorf("connector history for tx %d: %w", ev.TransactionID, err)
		}
		if found && ev.LastEnergyWh < prevStop {
			e.protectiveStop(ev.TransactionID, ev.IDTag, model.ReasonChargerFaulted, ev.LastEnergyWh)
			return fmt.Errorf("tx %d: reading %.0f below previous stop %.0f: %w", ev.TransactionID, ev.LastEnergyWh, prevStop, ErrCounterRegression)
		}
	}

	windows, err := e.pricing.Tariffs(ctx, ev.Connector.ChargeBoxID)
	if err != nil {
		return fmt.Errorf("tariffs for %s: %w", ev.Connector.ChargeBoxID, err)
	}
	fare, err := pricing.UnitFareAt(windows, ev.Timestamp, e.loc)
	if err != nil {
		return fmt.Errorf("unit fare for %s: %w", ev.Connector.ChargeBoxID, err)
	}

	total, err := e.accrueSegment(ctx, ev, row, hasRow, fare)
	if err != nil {
		return err
	}

	snap := model.SessionSnapshot{
		TransactionID:  ev.TransactionID,
		IDTag:          ev.IDTag,
		ConsumedEnergy: round3((ev.LastEnergyWh - ev.StartValueWh) / 1000),
		ConsumedAmount: total,
		UnitFare:       fare,
		UpdatedAt:      ev.Timestamp,
	}
	e.snapshots[ev.TransactionID] = snap

	if err := e.sink.RecordAccrual(coremetrics.SessionAccrualEvent{
		TransactionID: ev.TransactionID,
		ChargeBoxID:   ev.Connector.ChargeBoxID,
		IDTag:         ev.IDTag,
		EnergyKWh:     snap.ConsumedEnergy,
		Amount:        total,
		UnitFare:      fare,
		Time:          ev.Timestamp,
	}); err != nil {
		e.log.Warnf("metrics sink: %v", err)
	}

	e.enforceBalance(ctx, ev, total)
	return nil
}

// accrueSegment updates the open ledger row or opens a new one when the fare
// changed, and returns the re-derived running total for the transaction.
func (e *Engine) accrueSegment(ctx context.Context, ev AccrualEvent, row model.LedgerEntry, hasRow bool, fare float64) (float64, error) {
	sum, err := e.ledger.SumAmounts(ctx, ev.TransactionID)
	if err != nil {
		return 0, fmt.Errorf("ledger sum for tx %d: %w", ev.TransactionID, err)
	}

	switch {
	case !hasRow:
		consumed := round3((ev.LastEnergyWh - ev.StartValueWh) / 1000)
		amount := round2(consumed * fare * (1 + TaxRate))
		entry := model.LedgerEntry{
			TransactionID:       ev.TransactionID,
			IDTag:               ev.IDTag,
			StartEnergy:         ev.StartValueWh,
			LastEnergy:          ev.LastEnergyWh,
			ConsumedEnergy:      consumed,
			UnitFare:            fare,
			ConsumedAmount:      amount,
			TotalConsumedAmount: amount,
			StartTimestamp:      ev.StartTimestamp,
			Active:              true,
		}
		if _, err := e.ledger.Insert(ctx, entry); err != nil {
			return 0, fmt.Errorf("ledger insert for tx %d: %w", ev.TransactionID, err)
		}
		return amount, nil

	case fare == row.UnitFare:
		others := sum - row.ConsumedAmount
		consumed := round3((ev.LastEnergyWh - row.StartEnergy) / 1000)
		row.LastEnergy = ev.LastEnergyWh
		row.ConsumedEnergy = consumed
		row.ConsumedAmount = round2(consumed * fare * (1 + TaxRate))
		row.TotalConsumedAmount = round2(others + row.ConsumedAmount)
		if err := e.ledger.Update(ctx, row); err != nil {
			return 0, fmt.Errorf("ledger update for tx %d: %w", ev.TransactionID, err)
		}
		return row.TotalConsumedAmount, nil

	default:
		// Tariff changed mid-session: close the open row and start a new
		// segment at the previous row's last energy.
		row.Active = false
		row.StopTimestamp = ev.Timestamp
		if err := e.ledger.Update(ctx, row); err != nil {
			return 0, fmt.Errorf("ledger close for tx %d: %w", ev.TransactionID, err)
		}
		consumed := round3((ev.LastEnergyWh - row.LastEnergy) / 1000)
		amount := round2(consumed * fare * (1 + TaxRate))
		total := round2(sum + amount)
		entry := model.LedgerEntry{
			TransactionID:       ev.TransactionID,
			IDTag:               ev.IDTag,
			StartEnergy:         row.LastEnergy,
			LastEnergy:          ev.LastEnergyWh,
			ConsumedEnergy:      consumed,
			UnitFare:            fare,
			ConsumedAmount:      amount,
			TotalConsumedAmount: total,
			StartTimestamp:      ev.Timestamp,
			Active:              true,
		}
		if _, err := e.ledger.Insert(ctx, entry); err != nil {
			return 0, fmt.Errorf("ledger insert for tx %d: %w", ev.TransactionID, err)
		}
		return total, nil
	}
}

// enforceBalance checks the tag's funds and issues protective stops. Lookup
// failures degrade to a warning; the reading is already billed at this point.
func (e *Engine) enforceBalance(ctx context.Context, ev AccrualEvent, total float64) {
	if e.accounts == nil {
		return
	}
	account, err := e.accounts.Account(ctx, ev.IDTag)
	if err != nil {
		e.log.Warnf("account lookup for %s: %v", ev.IDTag, err)
		return
	}

	switch account.Mode {
	case model.PayOneShot:
		margin := 0.0
		if e.stations != nil {
			if fast, err := e.stations.IsFastCharger(ctx, ev.Connector.ChargeBoxID); err == nil && fast {
				margin = FastChargerMargin
			}
		}
		if total+margin > account.Balance {
			e.protectiveStop(ev.TransactionID, ev.IDTag, model.ReasonChargingFinished, total)
		}

	case model.PayWallet:
		if exempt, err := e.accounts.FeeExempt(ctx, ev.IDTag, ev.Connector.ChargeBoxID); err == nil && exempt {
			return
		}
		ids := []int{ev.TransactionID}
		aggregate := total
		if !account.SingleSession {
			active, err := e.ledger.ActiveTransactionIDs(ctx, ev.IDTag)
			if err != nil {
				e.log.Warnf("active transactions for %s: %v", ev.IDTag, err)
			} else if len(active) > 0 {
				ids = active
				aggregate = 0
				for _, id := range active {
					sum, err := e.ledger.SumAmounts(ctx, id)
					if err != nil {
						e.log.Warnf("ledger sum for tx %d: %v", id, err)
						continue
					}
					aggregate += sum
				}
				aggregate = round2(aggregate)
			}
		}
		if aggregate+WalletMargin > account.Balance {
			for _, id := range ids {
				e.protectiveStop(id, ev.IDTag, model.ReasonLowWallet, aggregate)
			}
		}
	}
}

// protectiveStop marks the transaction as stopping and issues the remote stop
// from a separate goroutine so ledger finalization can re-enter the engine.
func (e *Engine) protectiveStop(transactionID int, idTag, reason string, amount float64) {
	if _, pending := e.pendingStops[transactionID]; pending {
		return
	}
	e.pendingStops[transactionID] = reason
	protectiveStops.WithLabelValues(reason).Inc()
	e.log.Warnf("tx %d: forcing stop (%s)", transactionID, reason)
	if e.bus != nil {
		e.bus.Publish(events.BillingEvent{
			TransactionID: transactionID,
			IDTag:         idTag,
			Reason:        reason,
			Amount:        amount,
		})
	}
	if e.stopper == nil {
		return
	}
	stopper := e.stopper
	go func() {
		if err := stopper.StopSession(context.Background(), transactionID, reason); err != nil {
			e.log.Errorf("tx %d: protective stop failed: %v", transactionID, err)
		}
	}()
}

// Finalize closes the open ledger row at the definitive stop value and
// returns the total billed amount. Fee-exempt tags are billed zero.
func (e *Engine) Finalize(ctx context.Context, p FinalizeParams) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	row, hasRow, err := e.ledger.Latest(ctx, p.TransactionID)
	if err != nil {
		return 0, fmt.Errorf("ledger lookup for tx %d: %w", p.TransactionID, err)
	}
	if hasRow && row.Active {
		sum, err := e.ledger.SumAmounts(ctx, p.TransactionID)
		if err != nil {
			return 0, fmt.Errorf("ledger sum for tx %d: %w", p.TransactionID, err)
		}
		others := sum - row.ConsumedAmount
		if p.StopValueWh > row.LastEnergy {
			row.LastEnergy = p.StopValueWh
			row.ConsumedEnergy = round3((p.StopValueWh - row.StartEnergy) / 1000)
			row.ConsumedAmount = round2(row.ConsumedEnergy * row.UnitFare * (1 + TaxRate))
		}
		row.TotalConsumedAmount = round2(others + row.ConsumedAmount)
		row.Active = false
		row.StopTimestamp = p.StopTimestamp
		if err := e.ledger.Update(ctx, row); err != nil {
			return 0, fmt.Errorf("ledger close for tx %d: %w", p.TransactionID, err)
		}
	}

	total, err := e.ledger.SumAmounts(ctx, p.TransactionID)
	if err != nil {
		return 0, fmt.Errorf("ledger sum for tx %d: %w", p.TransactionID, err)
	}
	total = round2(total)
	if e.accounts != nil {
		if exempt, err := e.accounts.FeeExempt(ctx, p.IDTag, p.ChargeBoxID); err == nil && exempt {
			total = 0
		}
	}

	delete(e.snapshots, p.TransactionID)
	delete(e.pendingStops, p.TransactionID)
	return total, nil
}

// Snapshot returns the live billing view of a transaction, if any.
func (e *Engine) Snapshot(transactionID int) (model.SessionSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.snapshots[transactionID]
	return snap, ok
}
