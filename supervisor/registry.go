// Package supervisor implements the consumer registry (spec.md §4.7,
// component I): fixed-capacity slot tracking for consumer HELLO/CONFIG
// assignment, grounded on the teacher's feeder/shm slot-accounting style
// generalized from a raw bitmask to a github.com/bits-and-blooms/bitset
// free-slot tracker (present in the example pack, unused by the teacher
// itself; SPEC_FULL §4.12).
package supervisor

import (
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/tensorpool/tensorpool/tperr"
)

// entry is one registry row (spec.md §4.7 "State per entry").
type entry struct {
	slot               uint32
	consumerID         uint32
	streamID           uint32
	mode               uint8
	useSHM             bool
	lastSeenNs         uint64
	descriptorStreamID int32
	controlStreamID    int32
}

// Registry tracks up to capacity live consumer entries, keyed by
// consumer_id, reclaiming stale slots on sweep (spec.md §4.7 "Capacity
// is fixed at init").
type Registry struct {
	mu       sync.Mutex
	capacity uint32
	free     *bitset.BitSet
	bySlot   []*entry
	byConsumer map[uint32]*entry
}

// NewRegistry builds a registry with capacity free slots.
func NewRegistry(capacity uint32) *Registry {
	free := bitset.New(uint(capacity))
	for i := uint(0); i < uint(capacity); i++ {
		free.Set(i)
	}
	return &Registry{
		capacity:   capacity,
		free:       free,
		bySlot:     make([]*entry, capacity),
		byConsumer: make(map[uint32]*entry),
	}
}

// Get returns the live entry for consumerID, if any.
func (r *Registry) Get(consumerID uint32) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConsumer[consumerID]
	return e, ok
}

// Touch updates an existing entry's last_seen_ns (spec.md §4.7 step 1).
func (r *Registry) Touch(consumerID uint32, nowNs uint64) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConsumer[consumerID]
	if !ok {
		return nil, false
	}
	e.lastSeenNs = nowNs
	return e, true
}

// Allocate reserves a free slot, or reclaims the first stale one in slot
// order if the registry is at capacity, for a new consumer_id (spec.md
// §4.7 step 2).
func (r *Registry) Allocate(consumerID, streamID uint32, nowNs, staleNs uint64) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.free.NextSet(0)
	if !ok {
		reclaimed := r.reclaimStaleLocked(nowNs, staleNs)
		if !reclaimed {
			return nil, tperr.New(tperr.ResourceExhausted, "consumer registry at capacity (%d)", r.capacity)
		}
		slot, ok = r.free.NextSet(0)
		if !ok {
			return nil, tperr.New(tperr.ResourceExhausted, "consumer registry at capacity (%d)", r.capacity)
		}
	}
	r.free.Clear(slot)
	e := &entry{slot: uint32(slot), consumerID: consumerID, streamID: streamID, lastSeenNs: nowNs}
	r.bySlot[slot] = e
	r.byConsumer[consumerID] = e
	return e, nil
}

// reclaimStaleLocked frees the first stale slot found; caller holds mu.
func (r *Registry) reclaimStaleLocked(nowNs, staleNs uint64) bool {
	for slot, e := range r.bySlot {
		if e == nil {
			continue
		}
		if nowNs-e.lastSeenNs > staleNs {
			delete(r.byConsumer, e.consumerID)
			r.bySlot[slot] = nil
			r.free.Set(uint(slot))
			return true
		}
	}
	return false
}

// Sweep releases every entry stale as of nowNs (spec.md §4.7 "swept on
// each do_work").
func (r *Registry) Sweep(nowNs, staleNs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slot, e := range r.bySlot {
		if e == nil {
			continue
		}
		if nowNs-e.lastSeenNs > staleNs {
			delete(r.byConsumer, e.consumerID)
			r.bySlot[slot] = nil
			r.free.Set(uint(slot))
		}
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConsumer)
}
