package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/wire"
)

// inProgressBit tags a commit word as "being written" (spec.md §3
// "Commit sequence"). It is the reserved high bit of the 64-bit word, so
// seq values up to 2^63-1 are representable — far beyond any stream's
// lifetime.
const inProgressBit uint64 = 1 << 63

// seqInProgress tags seq as in-progress.
func seqInProgress(seq uint64) uint64 { return seq | inProgressBit }

// seqCommitted tags seq as committed (i.e. leaves it untagged).
func seqCommitted(seq uint64) uint64 { return seq &^ inProgressBit }

// seqValue strips the in-progress bit from a commit word.
func seqValue(w uint64) uint64 { return w &^ inProgressBit }

// seqIsCommitted reports whether w's in-progress bit is clear.
func seqIsCommitted(w uint64) bool { return w&inProgressBit == 0 }

// HeaderRing is the power-of-two array of fixed-size slot records
// (spec.md §4.1 component B), backed by a mapped Region. It generalizes
// the teacher's feeder/shm.RingBuffer (a single fixed-layout 64-byte
// message, odd/even seqlock) to variable-length tensor frames decoded
// through wire.SlotMeta/TensorHeader, and to the spec's
// in-progress-bit/sequence-equality seqlock instead of an odd/even
// counter.
type HeaderRing struct {
	region *Region
	nslots uint32
	mask   uint64
}

// NewHeaderRing wraps region as a header ring with nslots slots. region's
// byte length must be at least SuperblockBytes + nslots*HeaderSlotBytes.
func NewHeaderRing(region *Region, nslots uint32) (*HeaderRing, error) {
	if !IsPowerOfTwo(nslots) {
		return nil, tperr.New(tperr.InvalidArgument, "nslots %d is not a power of two", nslots)
	}
	want := SuperblockBytes + int(nslots)*wire.HeaderSlotBytes
	if len(region.Bytes()) < want {
		return nil, tperr.New(tperr.InvalidArgument, "region too small for %d slots: have %d want %d", nslots, len(region.Bytes()), want)
	}
	return &HeaderRing{region: region, nslots: nslots, mask: uint64(nslots - 1)}, nil
}

// Index returns the ring slot index for sequence seq (spec.md §4.1/§8
// "Ring" invariant: seq & (nslots-1)).
func (r *HeaderRing) Index(seq uint64) uint32 { return uint32(seq & r.mask) }

// Nslots returns the ring's slot count.
func (r *HeaderRing) Nslots() uint32 { return r.nslots }

func (r *HeaderRing) slotBytes(index uint32) []byte {
	off := SuperblockBytes + int(index)*wire.HeaderSlotBytes
	return r.region.Bytes()[off : off+wire.HeaderSlotBytes]
}

func (r *HeaderRing) commitWordPtr(index uint32) *uint64 {
	b := r.slotBytes(index)
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// StoreInProgress marks slot index as being written for seq, with a full
// store barrier (spec.md §4.1: "with a full store barrier"), before any
// other bytes of the slot are touched.
func (r *HeaderRing) StoreInProgress(index uint32, seq uint64) {
	atomic.StoreUint64(r.commitWordPtr(index), seqInProgress(seq))
}

// WriteBody writes meta and headerBytes into everything after the commit
// word. It must only be called between StoreInProgress and
// ReleaseCommit for the same index.
func (r *HeaderRing) WriteBody(index uint32, meta wire.SlotMeta, headerBytes []byte) error {
	body, err := wire.EncodeSlotBody(meta, headerBytes)
	if err != nil {
		return err
	}
	copy(r.slotBytes(index)[wire.CommitWordBytes:], body)
	return nil
}

// ReleaseCommit performs the release store of the committed sequence,
// making every write since StoreInProgress visible to readers that pass
// both seqlock acquire-loads (spec.md §4.1, §5 "Memory ordering").
func (r *HeaderRing) ReleaseCommit(index uint32, seq uint64) {
	atomic.StoreUint64(r.commitWordPtr(index), seqCommitted(seq))
}

// SlotView is a snapshot of one header-ring slot read under the seqlock
// protocol.
type SlotView struct {
	Meta         wire.SlotMeta
	TensorHeader wire.TensorHeader
}

// Read executes the seqlock read protocol from spec.md §4.1 for sequence
// seq at the ring index it maps to. It returns (nil, false, nil) for
// "not ready" (in-progress, sequence mismatch, a seqlock retry failure,
// header bytes of the wrong length, or a tensor header that fails to
// decode or validate), a decode error for a slot body that cannot be
// decoded, or a valid SlotView with ready=true.
func (r *HeaderRing) Read(seq uint64) (view *SlotView, ready bool, err error) {
	index := r.Index(seq)
	w1 := atomic.LoadUint64(r.commitWordPtr(index))
	if !seqIsCommitted(w1) || seqValue(w1) != seq {
		return nil, false, nil
	}

	body := append([]byte(nil), r.slotBytes(index)[wire.CommitWordBytes:]...)

	w2 := atomic.LoadUint64(r.commitWordPtr(index))
	if w2 != w1 {
		return nil, false, nil
	}

	meta, headerBytes, derr := wire.DecodeSlotBody(body)
	if derr != nil {
		return nil, false, tperr.Wrap(tperr.CodecError, derr, "decode slot body at seq %d", seq)
	}
	if len(headerBytes) != wire.EncodedSize {
		return nil, false, nil
	}
	th, derr := wire.Decode(headerBytes)
	if derr != nil {
		return nil, false, nil
	}
	if derr := wire.Validate(th); derr != nil {
		return nil, false, nil
	}
	return &SlotView{Meta: meta, TensorHeader: *th}, true, nil
}
