package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltbridge/csms/core/billing"
	"github.com/voltbridge/csms/core/model"
)

// LedgerRepo persists billing segments in postgres.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

const ledgerColumns = `
	id, transaction_id, id_tag, start_energy, last_energy, consumed_energy,
	unit_fare, wallet_amount, consumed_amount, total_consumed_amount,
	start_timestamp, stop_timestamp, active`

func scanLedger(row pgx.Row) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	var stopTS *time.Time
	err := row.Scan(&e.ID, &e.TransactionID, &e.IDTag, &e.StartEnergy, &e.LastEnergy,
		&e.ConsumedEnergy, &e.UnitFare, &e.WalletAmount, &e.ConsumedAmount,
		&e.TotalConsumedAmount, &e.StartTimestamp, &stopTS, &e.Active)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if stopTS != nil {
		e.StopTimestamp = *stopTS
	}
	return e, nil
}

func (r *LedgerRepo) Latest(ctx context.Context, transactionID int) (model.LedgerEntry, bool, error) {
	e, err := scanLedger(r.pool.QueryRow(ctx, `SELECT`+ledgerColumns+`
		FROM wallet_ledger
		WHERE transaction_id = $1
		ORDER BY start_timestamp DESC, id DESC LIMIT 1`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, false, nil
	}
	if err != nil {
		return model.LedgerEntry{}, false, fmt.Errorf("latest ledger row for tx %d: %w", transactionID, err)
	}
	return e, true, nil
}

func (r *LedgerRepo) Insert(ctx context.Context, e model.LedgerEntry) (int64, error) {
	var stopTS *time.Time
	if !e.StopTimestamp.IsZero() {
		stopTS = &e.StopTimestamp
	}
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO wallet_ledger
			(transaction_id, id_tag, start_energy, last_energy, consumed_energy,
			 unit_fare, wallet_amount, consumed_amount, total_consumed_amount,
			 start_timestamp, stop_timestamp, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		e.TransactionID, e.IDTag, e.StartEnergy, e.LastEnergy, e.ConsumedEnergy,
		e.UnitFare, e.WalletAmount, e.ConsumedAmount, e.TotalConsumedAmount,
		e.StartTimestamp, stopTS, e.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert ledger row for tx %d: %w", e.TransactionID, err)
	}
	return id, nil
}

func (r *LedgerRepo) Update(ctx context.Context, e model.LedgerEntry) error {
	var stopTS *time.Time
	if !e.StopTimestamp.IsZero() {
		stopTS = &e.StopTimestamp
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE wallet_ledger
		SET last_energy = $2, consumed_energy = $3, unit_fare = $4, wallet_amount = $5,
			consumed_amount = $6, total_consumed_amount = $7, stop_timestamp = $8, active = $9
		WHERE id = $1`,
		e.ID, e.LastEnergy, e.ConsumedEnergy, e.UnitFare, e.WalletAmount,
		e.ConsumedAmount, e.TotalConsumedAmount, stopTS, e.Active)
	if err != nil {
		return fmt.Errorf("update ledger row %d: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update ledger row %d: not found", e.ID)
	}
	return nil
}

func (r *LedgerRepo) SumAmounts(ctx context.Context, transactionID int) (float64, error) {
	var sum float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(consumed_amount), 0)
		FROM wallet_ledger WHERE transaction_id = $1`, transactionID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("ledger sum for tx %d: %w", transactionID, err)
	}
	return sum, nil
}

func (r *LedgerRepo) ActiveTransactionIDs(ctx context.Context, idTag string) ([]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT transaction_id
		FROM wallet_ledger
		WHERE id_tag = $1 AND active
		ORDER BY transaction_id`, idTag)
	if err != nil {
		return nil, fmt.Errorf("active transactions for %s: %w", idTag, err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ billing.LedgerRepo = (*LedgerRepo)(nil)
