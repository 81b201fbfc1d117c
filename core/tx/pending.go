package tx

import (
	"sync"
	"time"
)

// DefaultReasonTTL bounds how long a requested stop reason stays valid while
// waiting for the station's StopTransaction.
const DefaultReasonTTL = 5 * time.Minute

type pendingReason struct {
	reason string
	at     time.Time
}

// ReasonStore holds stop reasons requested ahead of the station's own stop
// notification. Entries expire so an abandoned remote stop cannot relabel an
// unrelated stop days later.
type ReasonStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int]pendingReason
	now     func() time.Time
}

func NewReasonStore(ttl time.Duration) *ReasonStore {
	if ttl <= 0 {
		ttl = DefaultReasonTTL
	}
	return &ReasonStore{
		ttl:     ttl,
		entries: make(map[int]pendingReason),
		now:     time.Now,
	}
}

// Put records the reason to apply when the transaction stops, replacing any
// previous one.
func (s *ReasonStore) Put(transactionID int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.entries {
		if now.Sub(e.at) > s.ttl {
			delete(s.entries, id)
		}
	}
	s.entries[transactionID] = pendingReason{reason: reason, at: now}
}

// Take removes and returns the pending reason for the transaction, if one is
// present and not expired.
func (s *ReasonStore) Take(transactionID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[transactionID]
	if !ok {
		return "", false
	}
	delete(s.entries, transactionID)
	if s.now().Sub(e.at) > s.ttl {
		return "", false
	}
	return e.reason, true
}
