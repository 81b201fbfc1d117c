package billing

import (
	"context"
	"sync"

	"github.com/voltbridge/csms/core/model"
)

// MemoryLedger is the in-process LedgerRepo used in tests and single node
// setups. Rows are kept in insertion order per transaction.
type MemoryLedger struct {
	mu     sync.RWMutex
	rows   map[int][]model.LedgerEntry
	nextID int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[int][]model.LedgerEntry), nextID: 1}
}

func (m *MemoryLedger) Latest(_ context.Context, transactionID int) (model.LedgerEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[transactionID]
	if len(rows) == 0 {
		return model.LedgerEntry{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

func (m *MemoryLedger) Insert(_ context.Context, e model.LedgerEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.nextID
	m.nextID++
	m.rows[e.TransactionID] = append(m.rows[e.TransactionID], e)
	return e.ID, nil
}

func (m *MemoryLedger) Update(_ context.Context, e model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[e.TransactionID]
	for i := range rows {
		if rows[i].ID == e.ID {
			rows[i] = e
			return nil
		}
	}
	// Unknown id: treat as append so callers never lose a billed segment.
	m.rows[e.TransactionID] = append(rows, e)
	return nil
}

func (m *MemoryLedger) SumAmounts(_ context.Context, transactionID int) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, row := range m.rows[transactionID] {
		sum += row.ConsumedAmount
	}
	return sum, nil
}

func (m *MemoryLedger) ActiveTransactionIDs(_ context.Context, idTag string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int
	for txID, rows := range m.rows {
		if len(rows) == 0 {
			continue
		}
		last := rows[len(rows)-1]
		if last.IDTag == idTag && last.Active {
			ids = append(ids, txID)
		}
	}
	return ids, nil
}

// Rows returns a copy of all ledger rows for a transaction, oldest first.
func (m *MemoryLedger) Rows(transactionID int) []model.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.LedgerEntry(nil), m.rows[transactionID]...)
}

var _ LedgerRepo = (*MemoryLedger)(nil)
