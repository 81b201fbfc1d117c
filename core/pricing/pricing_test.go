package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltbridge/csms/core/model"
)

func tod(h, m int) model.TimeOfDay { return model.TimeOfDay{Hour: h, Minute: m} }

func TestUnitFareAt_SameDayBeforeOvernight(t *testing.T) {
	windows := []model.TariffWindow{
		{Start: tod(22, 0), End: tod(6, 0), UnitFare: 5},  // overnight
		{Start: tod(6, 0), End: tod(22, 0), UnitFare: 12}, // daytime
	}
	loc := time.UTC

	day := time.Date(2026, 3, 10, 14, 0, 0, 0, loc)
	fare, err := UnitFareAt(windows, day, loc)
	require.NoError(t, err)
	assert.Equal(t, 12.0, fare)

	night := time.Date(2026, 3, 10, 23, 30, 0, 0, loc)
	fare, err = UnitFareAt(windows, night, loc)
	require.NoError(t, err)
	assert.Equal(t, 5.0, fare)

	early := time.Date(2026, 3, 10, 3, 0, 0, 0, loc)
	fare, err = UnitFareAt(windows, early, loc)
	require.NoError(t, err)
	assert.Equal(t, 5.0, fare)
}

func TestUnitFareAt_LocalWallClock(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	windows := []model.TariffWindow{
		{Start: tod(9, 0), End: tod(18, 0), UnitFare: 10},
		{Start: tod(18, 0), End: tod(9, 0), UnitFare: 7},
	}
	// 08:30 UTC is 14:00 IST.
	fare, err := UnitFareAt(windows, time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC), loc)
	require.NoError(t, err)
	assert.Equal(t, 10.0, fare)

	// 16:30 UTC is 22:00 IST.
	fare, err = UnitFareAt(windows, time.Date(2026, 3, 10, 16, 30, 0, 0, time.UTC), loc)
	require.NoError(t, err)
	assert.Equal(t, 7.0, fare)
}

func TestUnitFareAt_NoWindows(t *testing.T) {
	_, err := UnitFareAt(nil, time.Now(), time.UTC)
	assert.ErrorIs(t, err, ErrNoTariff)
}

func TestUnitFareAt_Gap(t *testing.T) {
	windows := []model.TariffWindow{{Start: tod(9, 0), End: tod(12, 0), UnitFare: 10}}
	_, err := UnitFareAt(windows, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), time.UTC)
	assert.ErrorIs(t, err, ErrNoTariff)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(map[string][]model.TariffWindow{
		"CP1": {{Start: tod(0, 0), End: tod(0, 0), UnitFare: 8}},
	})
	windows, err := src.Tariffs(context.Background(), "CP1")
	require.NoError(t, err)
	assert.Len(t, windows, 1)

	_, err = src.Tariffs(context.Background(), "CP2")
	if !errors.Is(err, ErrNoTariff) {
		t.Fatalf("expected ErrNoTariff got %v", err)
	}
}
