package schedule

import (
	"context"
	"sort"
	"sync"

	"github.com/voltbridge/csms/core/model"
)

// ScheduleRepo persists planned charging windows. Disabled entries are kept
// for audit and never returned by Enabled.
type ScheduleRepo interface {
	Enabled(ctx context.Context) ([]model.ScheduleEntry, error)
	Get(ctx context.Context, id int64) (model.ScheduleEntry, bool, error)
	Insert(ctx context.Context, e model.ScheduleEntry) (int64, error)
	Update(ctx context.Context, e model.ScheduleEntry) error
	// DisableForConnector turns off every enabled entry for the tag on the
	// connector. Used when the owner cancels a running session from the app.
	DisableForConnector(ctx context.Context, key model.ConnectorKey, idTag string) error
}

// MemoryScheduleRepo is the in-process ScheduleRepo used in tests and single
// node setups.
type MemoryScheduleRepo struct {
	mu      sync.RWMutex
	entries map[int64]model.ScheduleEntry
	nextID  int64
}

func NewMemoryScheduleRepo() *MemoryScheduleRepo {
	return &MemoryScheduleRepo{entries: make(map[int64]model.ScheduleEntry), nextID: 1}
}

func (r *MemoryScheduleRepo) Enabled(_ context.Context) ([]model.ScheduleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ScheduleEntry
	for _, e := range r.entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryScheduleRepo) Get(_ context.Context, id int64) (model.ScheduleEntry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok, nil
}

func (r *MemoryScheduleRepo) Insert(_ context.Context, e model.ScheduleEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.nextID
	r.nextID++
	r.entries[e.ID] = e
	return e.ID, nil
}

func (r *MemoryScheduleRepo) Update(_ context.Context, e model.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; ok {
		r.entries[e.ID] = e
	}
	return nil
}

func (r *MemoryScheduleRepo) DisableForConnector(_ context.Context, key model.ConnectorKey, idTag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.Enabled && e.Connector == key && e.IDTag == idTag {
			e.Enabled = false
			r.entries[id] = e
		}
	}
	return nil
}

// All returns every entry, for tests.
func (r *MemoryScheduleRepo) All() []model.ScheduleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ScheduleEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ ScheduleRepo = (*MemoryScheduleRepo)(nil)
