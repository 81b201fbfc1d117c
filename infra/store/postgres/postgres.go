// Package postgres persists transactions, meter values, the billing ledger
// and schedule entries. Plain SQL over pgx; no ORM.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the database settings.
type Config struct {
	// DSN is a postgres connection string or URL.
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
	// ConnectTimeoutMS bounds the initial connect and ping. Zero means 5s.
	ConnectTimeoutMS int `json:"connect_timeout_ms"`
}

// Connect opens a pool and verifies the database answers.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	timeout := 5 * time.Second
	if cfg.ConnectTimeoutMS > 0 {
		timeout = time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS connector (
		connector_pk SERIAL PRIMARY KEY,
		charge_box_id TEXT NOT NULL,
		connector_id INTEGER NOT NULL,
		UNIQUE (charge_box_id, connector_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_record (
		transaction_id SERIAL PRIMARY KEY,
		connector_pk INTEGER NOT NULL REFERENCES connector (connector_pk),
		id_tag TEXT NOT NULL,
		start_value DOUBLE PRECISION NOT NULL,
		start_timestamp TIMESTAMPTZ NOT NULL,
		event_timestamp TIMESTAMPTZ NOT NULL,
		stop_value DOUBLE PRECISION,
		stop_timestamp TIMESTAMPTZ,
		stop_event_timestamp TIMESTAMPTZ,
		stop_actor TEXT,
		stop_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS transaction_open_idx
		ON transaction_record (connector_pk) WHERE stop_timestamp IS NULL`,
	`CREATE TABLE IF NOT EXISTS failed_stop (
		id BIGSERIAL PRIMARY KEY,
		transaction_id INTEGER NOT NULL,
		charge_box_id TEXT NOT NULL,
		stop_value DOUBLE PRECISION NOT NULL,
		stop_timestamp TIMESTAMPTZ NOT NULL,
		stop_actor TEXT NOT NULL,
		stop_reason TEXT,
		fail_reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS meter_value (
		id BIGSERIAL PRIMARY KEY,
		connector_pk INTEGER NOT NULL,
		transaction_id INTEGER,
		ts TIMESTAMPTZ NOT NULL,
		measurand TEXT NOT NULL,
		unit TEXT,
		location TEXT,
		reading_context TEXT,
		format TEXT,
		phase TEXT,
		value DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS meter_value_tx_idx
		ON meter_value (transaction_id, measurand, ts)`,
	`CREATE TABLE IF NOT EXISTS wallet_ledger (
		id BIGSERIAL PRIMARY KEY,
		transaction_id INTEGER NOT NULL,
		id_tag TEXT NOT NULL,
		start_energy DOUBLE PRECISION NOT NULL,
		last_energy DOUBLE PRECISION NOT NULL,
		consumed_energy DOUBLE PRECISION NOT NULL,
		unit_fare DOUBLE PRECISION NOT NULL,
		wallet_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
		consumed_amount DOUBLE PRECISION NOT NULL,
		total_consumed_amount DOUBLE PRECISION NOT NULL,
		start_timestamp TIMESTAMPTZ NOT NULL,
		stop_timestamp TIMESTAMPTZ,
		active BOOLEAN NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS wallet_ledger_tx_idx ON wallet_ledger (transaction_id, id)`,
	`CREATE TABLE IF NOT EXISTS schedule_entry (
		id BIGSERIAL PRIMARY KEY,
		id_tag TEXT NOT NULL,
		charge_box_id TEXT NOT NULL,
		connector_id INTEGER NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		days INTEGER[] NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL,
		started BOOLEAN NOT NULL DEFAULT FALSE,
		stopped BOOLEAN NOT NULL DEFAULT FALSE,
		reminder_sent BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// EnsureSchema creates the tables this core owns. Safe to run on every boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
