package model

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock instant within a day, independent of date.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// TimeOfDayFrom extracts the wall-clock part of t.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var d TimeOfDay
	switch n, err := fmt.Sscanf(s, "%d:%d:%d", &d.Hour, &d.Minute, &d.Second); {
	case n >= 2:
		// seconds optional
	case err != nil:
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	if d.Hour < 0 || d.Hour > 23 || d.Minute < 0 || d.Minute > 59 || d.Second < 0 || d.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return d, nil
}

// Seconds returns the offset from midnight.
func (d TimeOfDay) Seconds() int { return d.Hour*3600 + d.Minute*60 + d.Second }

// Before reports whether d is strictly earlier in the day than o.
func (d TimeOfDay) Before(o TimeOfDay) bool { return d.Seconds() < o.Seconds() }

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", d.Hour, d.Minute, d.Second)
}

// TariffWindow prices energy between two wall-clock instants. A window whose
// end is not after its start wraps past midnight.
type TariffWindow struct {
	Start    TimeOfDay `json:"start"`
	End      TimeOfDay `json:"end"`
	UnitFare float64   `json:"unit_fare"`
}

// Overnight reports whether the window wraps past midnight.
func (w TariffWindow) Overnight() bool { return !w.Start.Before(w.End) }

// Contains reports whether the wall-clock instant falls inside the window.
// Same-day windows use [start, end); overnight windows match either side of
// midnight.
func (w TariffWindow) Contains(d TimeOfDay) bool {
	if w.Overnight() {
		return !d.Before(w.Start) || d.Before(w.End)
	}
	return !d.Before(w.Start) && d.Before(w.End)
}
