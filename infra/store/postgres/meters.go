package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/tx"
)

// MeterRepo persists meter readings in postgres.
type MeterRepo struct {
	pool *pgxpool.Pool
}

func NewMeterRepo(pool *pgxpool.Pool) *MeterRepo {
	return &MeterRepo{pool: pool}
}

func (r *MeterRepo) InsertBatch(ctx context.Context, readings []model.MeterReading) error {
	if len(readings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rd := range readings {
		var txID *int
		if rd.TransactionID != 0 {
			id := rd.TransactionID
			txID = &id
		}
		batch.Queue(`
			INSERT INTO meter_value
				(connector_pk, transaction_id, ts, measurand, unit, location, reading_context, format, phase, value)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)`,
			rd.ConnectorPK, txID, rd.Timestamp, rd.Measurand,
			rd.Unit, rd.Location, rd.Context, rd.Format, rd.Phase, rd.Value)
	}
	res := r.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range readings {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("insert meter values: %w", err)
		}
	}
	return nil
}

func (r *MeterRepo) LastEnergy(ctx context.Context, transactionID int) (model.MeterReading, bool, error) {
	var rd model.MeterReading
	var unit, location, readingCtx, format, phase *string
	err := r.pool.QueryRow(ctx, `
		SELECT connector_pk, transaction_id, ts, measurand, unit, location, reading_context, format, phase, value
		FROM meter_value
		WHERE transaction_id = $1 AND measurand = $2
		  AND (reading_context IS NULL OR reading_context NOT IN ($3, $4))
		ORDER BY ts DESC, id DESC LIMIT 1`,
		transactionID, model.MeasurandEnergyActiveImport,
		model.ContextTransactionBegin, model.ContextTransactionEnd).Scan(
		&rd.ConnectorPK, &rd.TransactionID, &rd.Timestamp, &rd.Measurand,
		&unit, &location, &readingCtx, &format, &phase, &rd.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MeterReading{}, false, nil
	}
	if err != nil {
		return model.MeterReading{}, false, fmt.Errorf("last energy for tx %d: %w", transactionID, err)
	}
	rd.Unit = deref(unit)
	rd.Location = deref(location)
	rd.Context = deref(readingCtx)
	rd.Format = deref(format)
	rd.Phase = deref(phase)
	return rd, true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ tx.MeterRepo = (*MeterRepo)(nil)
