package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voltbridge/csms/core/model"
)

// Record is the last known state of one connector.
type Record struct {
	Connector model.ConnectorKey `json:"connector"`
	Status    string             `json:"status"`
	ErrorCode string             `json:"error_code,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Store keeps the latest connector states and station liveness. Set keeps the
// newer record when timestamps conflict, so late arriving notifications never
// roll a connector back.
type Store interface {
	Set(ctx context.Context, rec Record) error
	Last(ctx context.Context, key model.ConnectorKey) (Record, bool, error)
	List(ctx context.Context, chargeBoxID string) ([]Record, error)
	MarkOnline(ctx context.Context, chargeBoxID string) error
	MarkOffline(ctx context.Context, chargeBoxID string) error
	IsOnline(ctx context.Context, chargeBoxID string) (bool, error)
}

// MemoryStore is the in-process Store used in tests and single node setups.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[model.ConnectorKey]Record
	online map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   map[model.ConnectorKey]Record{},
		online: map[string]struct{}{},
	}
}

func (s *MemoryStore) Set(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[rec.Connector]; ok && cur.Timestamp.After(rec.Timestamp) {
		return nil
	}
	s.data[rec.Connector] = rec
	return nil
}

func (s *MemoryStore) Last(_ context.Context, key model.ConnectorKey) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[key]
	return rec, ok, nil
}

func (s *MemoryStore) List(_ context.Context, chargeBoxID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Record, 0, len(s.data))
	for _, rec := range s.data {
		if chargeBoxID != "" && rec.Connector.ChargeBoxID != chargeBoxID {
			continue
		}
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i].Connector, res[j].Connector
		if a.ChargeBoxID != b.ChargeBoxID {
			return a.ChargeBoxID < b.ChargeBoxID
		}
		return a.ConnectorID < b.ConnectorID
	})
	return res, nil
}

func (s *MemoryStore) MarkOnline(_ context.Context, chargeBoxID string) error {
	s.mu.Lock()
	s.online[chargeBoxID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, chargeBoxID string) error {
	s.mu.Lock()
	delete(s.online, chargeBoxID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, chargeBoxID string) (bool, error) {
	s.mu.RLock()
	_, ok := s.online[chargeBoxID]
	s.mu.RUnlock()
	return ok, nil
}
