package command

import (
	"sync"

	"github.com/voltbridge/csms/core/model"
)

// Registry tracks which transport reaches each charge point. Stations are
// registered when they connect; lookups for unknown stations fall back to the
// default transport.
type Registry struct {
	mu   sync.RWMutex
	refs map[string]model.ChargePointRef
	def  model.TransportKind
}

// NewRegistry creates a Registry with the given default transport.
func NewRegistry(def model.TransportKind) *Registry {
	return &Registry{refs: make(map[string]model.ChargePointRef), def: def}
}

// Register records the transport used to reach a station.
func (r *Registry) Register(ref model.ChargePointRef) {
	r.mu.Lock()
	r.refs[ref.ChargeBoxID] = ref
	r.mu.Unlock()
}

// Deregister forgets a station, typically on disconnect.
func (r *Registry) Deregister(chargeBoxID string) {
	r.mu.Lock()
	delete(r.refs, chargeBoxID)
	r.mu.Unlock()
}

// Lookup resolves the reference for a station. Unknown stations get the
// default transport.
func (r *Registry) Lookup(chargeBoxID string) model.ChargePointRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ref, ok := r.refs[chargeBoxID]; ok {
		return ref
	}
	return model.ChargePointRef{ChargeBoxID: chargeBoxID, Transport: r.def}
}
