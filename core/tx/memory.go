package tx

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voltbridge/csms/core/model"
)

// MemoryTransactionRepo is the in-process TransactionRepo used in tests and
// single node setups.
type MemoryTransactionRepo struct {
	mu         sync.RWMutex
	connectors map[model.ConnectorKey]int
	nextPK     int
	txs        map[int]model.Transaction
	nextID     int
	failed     []model.FailedStopRecord
}

func NewMemoryTransactionRepo() *MemoryTransactionRepo {
	return &MemoryTransactionRepo{
		connectors: make(map[model.ConnectorKey]int),
		nextPK:     1,
		txs:        make(map[int]model.Transaction),
		nextID:     1,
	}
}

func (r *MemoryTransactionRepo) ConnectorPK(_ context.Context, key model.ConnectorKey) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pk, ok := r.connectors[key]; ok {
		return pk, nil
	}
	pk := r.nextPK
	r.nextPK++
	r.connectors[key] = pk
	return pk, nil
}

func (r *MemoryTransactionRepo) FindMatching(_ context.Context, connectorPK int, idTag string, startValue float64, startTimestamp time.Time) (model.Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.txs {
		if t.ConnectorPK == connectorPK && t.IDTag == idTag &&
			t.StartValue == startValue && t.StartTimestamp.Equal(startTimestamp) {
			return t, true, nil
		}
	}
	return model.Transaction{}, false, nil
}

func (r *MemoryTransactionRepo) Insert(_ context.Context, t model.Transaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = r.nextID
	r.nextID++
	r.txs[t.ID] = t
	return t.ID, nil
}

func (r *MemoryTransactionRepo) Get(_ context.Context, transactionID int) (model.Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.txs[transactionID]
	return t, ok, nil
}

func (r *MemoryTransactionRepo) SetStop(_ context.Context, transactionID int, stop model.StopRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[transactionID]
	if !ok {
		return nil
	}
	t.Stop = &stop
	r.txs[transactionID] = t
	return nil
}

func (r *MemoryTransactionRepo) OpenByConnector(_ context.Context, connectorPK int) (model.Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.sortedIDs() {
		t := r.txs[id]
		if t.ConnectorPK == connectorPK && t.Open() {
			return t, true, nil
		}
	}
	return model.Transaction{}, false, nil
}

func (r *MemoryTransactionRepo) OpenTransactions(_ context.Context) ([]model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []model.Transaction
	for _, id := range r.sortedIDs() {
		if t := r.txs[id]; t.Open() {
			open = append(open, t)
		}
	}
	return open, nil
}

func (r *MemoryTransactionRepo) NextOnConnector(_ context.Context, connectorPK, afterTransactionID int) (model.Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.sortedIDs() {
		t := r.txs[id]
		if t.ConnectorPK == connectorPK && t.ID > afterTransactionID {
			return t, true, nil
		}
	}
	return model.Transaction{}, false, nil
}

func (r *MemoryTransactionRepo) PreviousStopValue(_ context.Context, connectorPK, beforeTransactionID int) (float64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.sortedIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		t := r.txs[ids[i]]
		if t.ConnectorPK == connectorPK && t.ID < beforeTransactionID && t.Stop != nil {
			return t.Stop.Value, true, nil
		}
	}
	return 0, false, nil
}

func (r *MemoryTransactionRepo) InsertFailedStop(_ context.Context, rec model.FailedStopRecord) error {
	r.mu.Lock()
	r.failed = append(r.failed, rec)
	r.mu.Unlock()
	return nil
}

// FailedStops returns a copy of the recorded failed stops.
func (r *MemoryTransactionRepo) FailedStops() []model.FailedStopRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.FailedStopRecord(nil), r.failed...)
}

func (r *MemoryTransactionRepo) sortedIDs() []int {
	ids := make([]int, 0, len(r.txs))
	for id := range r.txs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

var _ TransactionRepo = (*MemoryTransactionRepo)(nil)

// MemoryMeterRepo is the in-process MeterRepo.
type MemoryMeterRepo struct {
	mu       sync.RWMutex
	readings []model.MeterReading
}

func NewMemoryMeterRepo() *MemoryMeterRepo {
	return &MemoryMeterRepo{}
}

func (r *MemoryMeterRepo) InsertBatch(_ context.Context, readings []model.MeterReading) error {
	r.mu.Lock()
	r.readings = append(r.readings, readings...)
	r.mu.Unlock()
	return nil
}

func (r *MemoryMeterRepo) LastEnergy(_ context.Context, transactionID int) (model.MeterReading, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best model.MeterReading
	found := false
	for _, rd := range r.readings {
		if rd.TransactionID != transactionID || rd.Measurand != model.MeasurandEnergyActiveImport {
			continue
		}
		if rd.Context == model.ContextTransactionBegin || rd.Context == model.ContextTransactionEnd {
			continue
		}
		if !found || !rd.Timestamp.Before(best.Timestamp) {
			best = rd
			found = true
		}
	}
	return best, found, nil
}

// Readings returns a copy of everything stored, oldest first.
func (r *MemoryMeterRepo) Readings() []model.MeterReading {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.MeterReading(nil), r.readings...)
}

var _ MeterRepo = (*MemoryMeterRepo)(nil)
