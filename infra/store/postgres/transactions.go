package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/tx"
)

// TransactionRepo persists charging sessions in postgres.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

func (r *TransactionRepo) ConnectorPK(ctx context.Context, key model.ConnectorKey) (int, error) {
	var pk int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO connector (charge_box_id, connector_id)
		VALUES ($1, $2)
		ON CONFLICT (charge_box_id, connector_id)
			DO UPDATE SET charge_box_id = EXCLUDED.charge_box_id
		RETURNING connector_pk`,
		key.ChargeBoxID, key.ConnectorID).Scan(&pk)
	if err != nil {
		return 0, fmt.Errorf("connector %s: %w", key, err)
	}
	return pk, nil
}

const transactionColumns = `
	t.transaction_id, t.connector_pk, c.charge_box_id, c.connector_id, t.id_tag,
	t.start_value, t.start_timestamp, t.event_timestamp,
	t.stop_value, t.stop_timestamp, t.stop_event_timestamp, t.stop_actor, t.stop_reason`

const transactionFrom = `
	FROM transaction_record t
	JOIN connector c ON c.connector_pk = t.connector_pk`

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var t model.Transaction
	var stopValue *float64
	var stopTS, stopEventTS *time.Time
	var actor, reason *string
	err := row.Scan(&t.ID, &t.ConnectorPK, &t.Connector.ChargeBoxID, &t.Connector.ConnectorID,
		&t.IDTag, &t.StartValue, &t.StartTimestamp, &t.EventTimestamp,
		&stopValue, &stopTS, &stopEventTS, &actor, &reason)
	if err != nil {
		return model.Transaction{}, err
	}
	if stopValue != nil && stopTS != nil {
		stop := model.StopRecord{Value: *stopValue, Timestamp: *stopTS}
		if stopEventTS != nil {
			stop.EventTimestamp = *stopEventTS
		}
		if actor != nil {
			stop.Actor = model.StopActor(*actor)
		}
		if reason != nil {
			stop.Reason = *reason
		}
		t.Stop = &stop
	}
	return t, nil
}

func (r *TransactionRepo) one(ctx context.Context, query string, args ...any) (model.Transaction, bool, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, err
	}
	return t, true, nil
}

func (r *TransactionRepo) FindMatching(ctx context.Context, connectorPK int, idTag string, startValue float64, startTimestamp time.Time) (model.Transaction, bool, error) {
	return r.one(ctx, `SELECT`+transactionColumns+transactionFrom+`
		WHERE t.connector_pk = $1 AND t.id_tag = $2
			AND t.start_value = $3 AND t.start_timestamp = $4
		ORDER BY t.transaction_id LIMIT 1`,
		connectorPK, idTag, startValue, startTimestamp)
}

func (r *TransactionRepo) Insert(ctx context.Context, t model.Transaction) (int, error) {
	event := t.EventTimestamp
	if event.IsZero() {
		event = t.StartTimestamp
	}
	var id int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO transaction_record
			(connector_pk, id_tag, start_value, start_timestamp, event_timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING transaction_id`,
		t.ConnectorPK, t.IDTag, t.StartValue, t.StartTimestamp, event).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

func (r *TransactionRepo) Get(ctx context.Context, transactionID int) (model.Transaction, bool, error) {
	return r.one(ctx, `SELECT`+transactionColumns+transactionFrom+`
		WHERE t.transaction_id = $1`, transactionID)
}

func (r *TransactionRepo) SetStop(ctx context.Context, transactionID int, stop model.StopRecord) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transaction_record
		SET stop_value = $2, stop_timestamp = $3, stop_event_timestamp = $4,
			stop_actor = $5, stop_reason = NULLIF($6, '')
		WHERE transaction_id = $1 AND stop_timestamp IS NULL`,
		transactionID, stop.Value, stop.Timestamp, stop.EventTimestamp,
		string(stop.Actor), stop.Reason)
	if err != nil {
		return fmt.Errorf("stop transaction %d: %w", transactionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stop transaction %d: no open row", transactionID)
	}
	return nil
}

func (r *TransactionRepo) OpenByConnector(ctx context.Context, connectorPK int) (model.Transaction, bool, error) {
	return r.one(ctx, `SELECT`+transactionColumns+transactionFrom+`
		WHERE t.connector_pk = $1 AND t.stop_timestamp IS NULL
		ORDER BY t.transaction_id LIMIT 1`, connectorPK)
}

func (r *TransactionRepo) OpenTransactions(ctx context.Context) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+transactionColumns+transactionFrom+`
		WHERE t.stop_timestamp IS NULL
		ORDER BY t.transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("open transactions: %w", err)
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TransactionRepo) NextOnConnector(ctx context.Context, connectorPK, afterTransactionID int) (model.Transaction, bool, error) {
	return r.one(ctx, `SELECT`+transactionColumns+transactionFrom+`
		WHERE t.connector_pk = $1 AND t.transaction_id > $2
		ORDER BY t.transaction_id LIMIT 1`, connectorPK, afterTransactionID)
}

func (r *TransactionRepo) PreviousStopValue(ctx context.Context, connectorPK, beforeTransactionID int) (float64, bool, error) {
	var value float64
	err := r.pool.QueryRow(ctx, `
		SELECT stop_value FROM transaction_record
		WHERE connector_pk = $1 AND transaction_id < $2 AND stop_value IS NOT NULL
		ORDER BY transaction_id DESC LIMIT 1`,
		connectorPK, beforeTransactionID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("previous stop on connector %d: %w", connectorPK, err)
	}
	return value, true, nil
}

func (r *TransactionRepo) InsertFailedStop(ctx context.Context, rec model.FailedStopRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO failed_stop
			(transaction_id, charge_box_id, stop_value, stop_timestamp, stop_actor, stop_reason, fail_reason)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		rec.TransactionID, rec.ChargeBoxID, rec.Stop.Value, rec.Stop.Timestamp,
		string(rec.Stop.Actor), rec.Stop.Reason, rec.FailReason)
	if err != nil {
		return fmt.Errorf("insert failed stop for tx %d: %w", rec.TransactionID, err)
	}
	return nil
}

var _ tx.TransactionRepo = (*TransactionRepo)(nil)
