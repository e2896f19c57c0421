// Package producer implements the single-writer claim/commit/abort core
// (spec.md §4.3 component D), generalizing the teacher's
// feeder/shm.RingBuffer.Write — a single producer appending fixed-layout
// messages at an atomically advanced offset — to the ring's seqlock
// in-progress/commit protocol and multi-pool claims.
package producer

import (
	"sync"
	"sync/atomic"

	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/wire"
)

// Claim is an in-progress allocation returned by TryClaim. Its Payload
// slice is mutable and bounded by the chosen pool's stride; the caller
// fills it before Commit (spec.md §4.3 "Claim" state machine: IDLE →
// CLAIMED → COMMITTED | ABORTED | QUEUED).
type Claim struct {
	Seq         uint64
	HeaderIndex uint32
	Pool        *shm.Pool
	PayloadSlot uint32
	Payload     []byte
	Length      uint32

	committed bool
	aborted   bool
}

// CommitMeta carries the per-commit metadata a caller supplies alongside
// the tensor header (spec.md §4.3 "commit").
type CommitMeta struct {
	TimestampNs uint64
	MetaVersion uint32
}

// Producer is the single-writer core for one stream. The caller is
// responsible for serializing calls into a Producer (spec.md §4.8
// "Process model": the claim/commit core is single-threaded, serialized
// by the caller) — Producer itself advances next_seq with an atomic add
// and guards the queued-claim list with a mutex.
type Producer struct {
	ring    *shm.HeaderRing
	pools   *shm.PoolSet
	nextSeq uint64

	mu     sync.Mutex
	queued []*Claim // fixed-pool mode only; spec.md §4.3 "queue_claim"
}

// New builds a Producer over ring and pools. Sequences start at 1 (spec.md
// §4.3 "Monotonicity": the producer MUST NOT publish seq = 0).
func New(ring *shm.HeaderRing, pools *shm.PoolSet) *Producer {
	return &Producer{ring: ring, pools: pools, nextSeq: 0}
}

// TryClaim allocates the next sequence, selects a pool for length, and
// marks the corresponding ring slot in-progress with a store barrier
// (spec.md §4.3 "try_claim").
func (p *Producer) TryClaim(length uint32) (*Claim, error) {
	if length == 0 {
		return nil, tperr.New(tperr.InvalidArgument, "claim length must be > 0")
	}
	pool, err := p.pools.Pick(length)
	if err != nil {
		return nil, err
	}
	seq := atomic.AddUint64(&p.nextSeq, 1)
	index := p.ring.Index(seq)
	payloadSlot := index // spec.md §8 invariant: payload_slot == header_index for whole-frame publications

	buf, err := pool.Slot(payloadSlot)
	if err != nil {
		return nil, err
	}

	p.ring.StoreInProgress(index, seq)

	return &Claim{
		Seq:         seq,
		HeaderIndex: index,
		Pool:        pool,
		PayloadSlot: payloadSlot,
		Payload:     buf[:length],
		Length:      length,
	}, nil
}

// Commit validates th, encodes {tensor header, slot metadata} into the
// claim's ring slot, and release-stores the committed sequence (spec.md
// §4.3 "commit"). On a validation failure the claim stays in-progress: the
// caller must fix th and retry Commit, or Abort.
func (p *Producer) Commit(claim *Claim, th *wire.TensorHeader, meta CommitMeta) error {
	if claim.committed || claim.aborted {
		return tperr.New(tperr.InvalidArgument, "claim for seq %d already resolved", claim.Seq)
	}
	if err := wire.Validate(th); err != nil {
		return err
	}
	headerBytes := wire.Encode(th)
	slotMeta := wire.SlotMeta{
		ValuesLenBytes: claim.Length,
		PayloadSlot:    claim.PayloadSlot,
		PoolID:         claim.Pool.PoolID(),
		PayloadOffset:  0,
		TimestampNs:    meta.TimestampNs,
		MetaVersion:    meta.MetaVersion,
	}
	if err := p.ring.WriteBody(claim.HeaderIndex, slotMeta, headerBytes); err != nil {
		return err
	}
	p.ring.ReleaseCommit(claim.HeaderIndex, claim.Seq)
	claim.committed = true
	return nil
}

// Abort leaves the slot permanently in-progress at claim.Seq. Readers
// will never observe this sequence; a later wrap that reuses the index at
// seq+nslots overwrites the stale marker (spec.md §4.3 "abort").
func (p *Producer) Abort(claim *Claim) {
	claim.aborted = true
}

// QueueClaim buffers claim for out-of-order commit in fixed-pool mode and
// returns its queue position. In free-pool mode it returns an
// INVALID_ARGUMENT-kind error meaning "not supported here"; tperr has no
// ADMIN_ACTION kind (spec.md §4.3 "queue_claim").
func (p *Producer) QueueClaim(claim *Claim) (int, error) {
	if _, fixed := p.pools.IsFixed(); !fixed {
		return 0, tperr.New(tperr.InvalidArgument, "queue_claim requires fixed-pool mode")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, claim)
	return len(p.queued) - 1, nil
}

// CommitQueued commits the queued claim at position idx (spec.md §9
// "Fixed-pool mode" out-of-order commit). It does not require idx's
// predecessors to have committed first.
func (p *Producer) CommitQueued(idx int, th *wire.TensorHeader, meta CommitMeta) error {
	p.mu.Lock()
	if idx < 0 || idx >= len(p.queued) || p.queued[idx] == nil {
		p.mu.Unlock()
		return tperr.New(tperr.OutOfRange, "no queued claim at position %d", idx)
	}
	claim := p.queued[idx]
	p.queued[idx] = nil
	p.mu.Unlock()
	return p.Commit(claim, th, meta)
}
