package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voltbridge/csms/core/model"
)

// ErrNoTariff indicates the station has no usable tariff configuration.
// Billing treats this as a hard error for the reading being processed.
var ErrNoTariff = errors.New("no tariff configured")

// Source provides the tariff windows configured for a station.
type Source interface {
	Tariffs(ctx context.Context, chargeBoxID string) ([]model.TariffWindow, error)
}

// UnitFareAt resolves the unit fare for the wall-clock time of at in loc.
// Same-day windows are matched before overnight windows so an overnight
// tariff never shadows a daytime one.
func UnitFareAt(windows []model.TariffWindow, at time.Time, loc *time.Location) (float64, error) {
	if len(windows) == 0 {
		return 0, ErrNoTariff
	}
	if loc == nil {
		loc = time.UTC
	}
	d := model.TimeOfDayFrom(at.In(loc))
	for _, w := range windows {
		if !w.Overnight() && w.Contains(d) {
			return w.UnitFare, nil
		}
	}
	for _, w := range windows {
		if w.Overnight() && w.Contains(d) {
			return w.UnitFare, nil
		}
	}
	return 0, fmt.Errorf("%w: no window covers %s", ErrNoTariff, d)
}

// StaticSource serves a fixed tariff table per station, typically loaded from
// configuration.
type StaticSource struct {
	tables map[string][]model.TariffWindow
}

// NewStaticSource copies the given tables.
func NewStaticSource(tables map[string][]model.TariffWindow) *StaticSource {
	cp := make(map[string][]model.TariffWindow, len(tables))
	for k, v := range tables {
		cp[k] = append([]model.TariffWindow(nil), v...)
	}
	return &StaticSource{tables: cp}
}

func (s *StaticSource) Tariffs(_ context.Context, chargeBoxID string) ([]model.TariffWindow, error) {
	windows, ok := s.tables[chargeBoxID]
	if !ok || len(windows) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoTariff, chargeBoxID)
	}
	return windows, nil
}
