package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/schedule"
)

// ScheduleRepo persists planned charging windows in postgres.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

const scheduleColumns = `
	id, id_tag, charge_box_id, connector_id, start_time, end_time, days,
	enabled, started, stopped, reminder_sent`

func scanSchedule(row pgx.Row) (model.ScheduleEntry, error) {
	var e model.ScheduleEntry
	var days []int32
	err := row.Scan(&e.ID, &e.IDTag, &e.Connector.ChargeBoxID, &e.Connector.ConnectorID,
		&e.StartTime, &e.EndTime, &days, &e.Enabled, &e.Started, &e.Stopped, &e.ReminderSent)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	for _, d := range days {
		e.Days = append(e.Days, time.Weekday(d))
	}
	return e, nil
}

func daysOf(e model.ScheduleEntry) []int32 {
	days := make([]int32, 0, len(e.Days))
	for _, d := range e.Days {
		days = append(days, int32(d))
	}
	return days
}

func (r *ScheduleRepo) Enabled(ctx context.Context) ([]model.ScheduleEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+scheduleColumns+`
		FROM schedule_entry WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("enabled schedules: %w", err)
	}
	defer rows.Close()
	var out []model.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ScheduleRepo) Get(ctx context.Context, id int64) (model.ScheduleEntry, bool, error) {
	e, err := scanSchedule(r.pool.QueryRow(ctx, `SELECT`+scheduleColumns+`
		FROM schedule_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScheduleEntry{}, false, nil
	}
	if err != nil {
		return model.ScheduleEntry{}, false, fmt.Errorf("schedule %d: %w", id, err)
	}
	return e, true, nil
}

func (r *ScheduleRepo) Insert(ctx context.Context, e model.ScheduleEntry) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO schedule_entry
			(id_tag, charge_box_id, connector_id, start_time, end_time, days,
			 enabled, started, stopped, reminder_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.IDTag, e.Connector.ChargeBoxID, e.Connector.ConnectorID,
		e.StartTime, e.EndTime, daysOf(e),
		e.Enabled, e.Started, e.Stopped, e.ReminderSent).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert schedule: %w", err)
	}
	return id, nil
}

func (r *ScheduleRepo) Update(ctx context.Context, e model.ScheduleEntry) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE schedule_entry
		SET start_time = $2, end_time = $3, days = $4,
			enabled = $5, started = $6, stopped = $7, reminder_sent = $8
		WHERE id = $1`,
		e.ID, e.StartTime, e.EndTime, daysOf(e),
		e.Enabled, e.Started, e.Stopped, e.ReminderSent)
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", e.ID, err)
	}
	return nil
}

func (r *ScheduleRepo) DisableForConnector(ctx context.Context, key model.ConnectorKey, idTag string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE schedule_entry
		SET enabled = FALSE
		WHERE enabled AND charge_box_id = $1 AND connector_id = $2 AND id_tag = $3`,
		key.ChargeBoxID, key.ConnectorID, idTag)
	if err != nil {
		return fmt.Errorf("disable schedules on %s: %w", key, err)
	}
	return nil
}

var _ schedule.ScheduleRepo = (*ScheduleRepo)(nil)
