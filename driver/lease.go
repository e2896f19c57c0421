// Package driver implements the attach/lease lifecycle (spec.md §4.6,
// components G/H): async ATTACH_REQUEST/ATTACH_RESPONSE handling, lease
// keepalive/expiry/revocation, epoch GC, and node-id reuse cooldown.
// Grounded on the teacher's feeder/exchanges cooperative do_work loop and
// feeder/shm for region lifecycle, with state-table bookkeeping in the
// style of the teacher's map-keyed session structs rather than
// back-pointers (spec.md §9 "Cyclic references").
package driver

import (
	"sync"

	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/wire"
)

// State is one of the lease states spec.md §4.8 enumerates.
type State int

const (
	LeaseNew State = iota
	LeaseActive
	LeaseExpiring
	LeaseDetaching
	LeaseDead
)

// Lease is a client's right to hold mappings of a stream's regions,
// driver-side (spec.md §3 "Lease"). Clients refer to it only by LeaseID;
// the driver never hands out a pointer to this struct (spec.md §9
// "Cyclic references").
type Lease struct {
	ID                  uint64
	StreamID            uint32
	ClientID            uint64
	Role                wire.Role
	NodeID              int32
	State               State
	ExpiryNs            uint64
	KeepaliveIntervalNs uint64
	GraceIntervals      uint32
}

// LeaseTable is the driver's lease set, keyed by LeaseID (spec.md §4.6).
type LeaseTable struct {
	mu     sync.Mutex
	nextID uint64
	leases map[uint64]*Lease
}

// NewLeaseTable builds an empty lease table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{leases: make(map[uint64]*Lease)}
}

// New allocates a lease, monotonically per driver instance (spec.md §4.6
// "the driver assigns lease_id monotonically per driver instance").
func (t *LeaseTable) New(streamID uint32, clientID uint64, role wire.Role, nodeID int32, nowNs, keepaliveIntervalNs uint64, graceIntervals uint32) *Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	l := &Lease{
		ID:                  t.nextID,
		StreamID:            streamID,
		ClientID:            clientID,
		Role:                role,
		NodeID:              nodeID,
		State:               LeaseActive,
		ExpiryNs:            nowNs + keepaliveIntervalNs*uint64(graceIntervals),
		KeepaliveIntervalNs: keepaliveIntervalNs,
		GraceIntervals:      graceIntervals,
	}
	t.leases[l.ID] = l
	return l
}

// Get looks a lease up by id.
func (t *LeaseTable) Get(leaseID uint64) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[leaseID]
	return l, ok
}

// Renew extends a lease's expiry on receipt of a keepalive (spec.md §4.6
// "Driver renews expiry = now + grace_intervals × keepalive_interval").
func (t *LeaseTable) Renew(leaseID uint64, nowNs uint64) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[leaseID]
	if !ok || l.State == LeaseDead {
		return nil, tperr.New(tperr.NotReady, "lease %d not found or dead", leaseID)
	}
	l.ExpiryNs = nowNs + l.KeepaliveIntervalNs*uint64(l.GraceIntervals)
	l.State = LeaseActive
	return l, nil
}

// Detach synchronously releases a lease on explicit DETACH_REQUEST
// (spec.md §4.6 "Detach").
func (t *LeaseTable) Detach(leaseID uint64) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[leaseID]
	if !ok {
		return nil, tperr.New(tperr.NotReady, "lease %d not found", leaseID)
	}
	l.State = LeaseDead
	delete(t.leases, leaseID)
	return l, nil
}

// SweepExpired transitions every lease whose expiry has passed nowNs into
// EXPIRING, removes it, and returns the leases revoked this sweep so the
// caller can emit LEASE_REVOKED for each (spec.md §4.6, §4.8).
func (t *LeaseTable) SweepExpired(nowNs uint64) []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var revoked []*Lease
	for id, l := range t.leases {
		if l.State == LeaseActive && nowNs >= l.ExpiryNs {
			l.State = LeaseExpiring
			revoked = append(revoked, l)
			delete(t.leases, id)
		}
	}
	return revoked
}

// ByStreamRole returns every live lease for streamID with the given role,
// used by epoch GC to decide whether a stream's last PRODUCER lease has
// ended (spec.md §4.6 "Epoch GC").
func (t *LeaseTable) ByStreamRole(streamID uint32, role wire.Role) []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Lease
	for _, l := range t.leases {
		if l.StreamID == streamID && l.Role == role && l.State != LeaseDead {
			out = append(out, l)
		}
	}
	return out
}

// Len returns the number of live leases, mostly useful for tests and
// stats.
func (t *LeaseTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}
