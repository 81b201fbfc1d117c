package status

import (
	"context"
	"testing"
	"time"

	"github.com/voltbridge/csms/core/model"
)

func TestMemoryStore_KeepsNewerRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := model.ConnectorKey{ChargeBoxID: "CP1", ConnectorID: 1}
	now := time.Now()

	if err := s.Set(ctx, Record{Connector: key, Status: model.StatusCharging, Timestamp: now}); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Stale notification arriving late must not win.
	if err := s.Set(ctx, Record{Connector: key, Status: model.StatusPreparing, Timestamp: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, ok, err := s.Last(ctx, key)
	if err != nil || !ok {
		t.Fatalf("last: %v ok=%v", err, ok)
	}
	if rec.Status != model.StatusCharging {
		t.Fatalf("stale record overwrote newer one: %s", rec.Status)
	}

	if err := s.Set(ctx, Record{Connector: key, Status: model.StatusAvailable, Timestamp: now.Add(time.Minute)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, _, _ = s.Last(ctx, key)
	if rec.Status != model.StatusAvailable {
		t.Fatalf("newer record rejected: %s", rec.Status)
	}
}

func TestMemoryStore_Online(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	on, err := s.IsOnline(ctx, "CP1")
	if err != nil {
		t.Fatalf("isonline: %v", err)
	}
	if on {
		t.Fatal("unknown station reported online")
	}
	if err := s.MarkOnline(ctx, "CP1"); err != nil {
		t.Fatalf("markonline: %v", err)
	}
	if on, _ = s.IsOnline(ctx, "CP1"); !on {
		t.Fatal("station not online after MarkOnline")
	}
	if err := s.MarkOffline(ctx, "CP1"); err != nil {
		t.Fatalf("markoffline: %v", err)
	}
	if on, _ = s.IsOnline(ctx, "CP1"); on {
		t.Fatal("station online after MarkOffline")
	}
}

func TestMemoryStore_ListFiltersByStation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	for _, rec := range []Record{
		{Connector: model.ConnectorKey{ChargeBoxID: "CP1", ConnectorID: 2}, Status: model.StatusAvailable, Timestamp: now},
		{Connector: model.ConnectorKey{ChargeBoxID: "CP1", ConnectorID: 1}, Status: model.StatusCharging, Timestamp: now},
		{Connector: model.ConnectorKey{ChargeBoxID: "CP2", ConnectorID: 1}, Status: model.StatusFaulted, Timestamp: now},
	} {
		if err := s.Set(ctx, rec); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	recs, err := s.List(ctx, "CP1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records got %d", len(recs))
	}
	if recs[0].Connector.ConnectorID != 1 || recs[1].Connector.ConnectorID != 2 {
		t.Errorf("records not sorted: %+v", recs)
	}
}
