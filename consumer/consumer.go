// Package consumer implements the stateless header-slot reader (spec.md
// §4.4 component E): resolving a committed frame's payload pointer under
// the seqlock protocol, and validating streaming FRAME_PROGRESS updates
// against it. It is grounded on the teacher's feeder/shm.RingBuffer.Read,
// generalized from a single SPSC offset comparison to the spec's
// many-reader, sequence-addressed READY/NOT_READY/ERROR contract.
package consumer

import (
	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/wire"
)

// Status is the three-way read outcome spec.md §4.4 requires: READY,
// NOT_READY (normal "skip this frame"), or ERROR (integrity fault).
type Status int

const (
	NotReady Status = iota
	Ready
	StatusError
)

// Frame is the view a READY read_frame yields (spec.md §4.4).
type Frame struct {
	TensorHeader wire.TensorHeader
	Payload      []byte
	PayloadLen   uint32
	PoolID       uint16
	PayloadSlot  uint32
	TimestampNs  uint64
	MetaVersion  uint32
}

// Reader resolves frames for one attached stream.
type Reader struct {
	ring  *shm.HeaderRing
	pools *shm.PoolSet
}

// New builds a Reader over ring and pools.
func New(ring *shm.HeaderRing, pools *shm.PoolSet) *Reader {
	return &Reader{ring: ring, pools: pools}
}

// ReadFrame resolves seq at headerIndex per spec.md §4.4. It returns
// StatusError only for null/out-of-range inputs; every seqlock or
// metadata inconsistency (including a mismatched payload_slot, an
// unknown pool_id, or a tensor-header decode/validate failure) yields
// NotReady, matching "NOT_READY is distinct from ERROR: it is the normal
// 'skip this frame' answer."
func (r *Reader) ReadFrame(seq uint64, headerIndex uint32) (*Frame, Status, error) {
	if headerIndex >= r.ring.Nslots() {
		return nil, StatusError, tperr.New(tperr.OutOfRange, "header_index %d out of range [0, %d)", headerIndex, r.ring.Nslots())
	}
	if r.ring.Index(seq) != headerIndex {
		return nil, NotReady, nil
	}

	view, ready, err := r.ring.Read(seq)
	if err != nil || !ready {
		return nil, NotReady, nil
	}

	meta := view.Meta
	if meta.PayloadOffset != 0 {
		return nil, NotReady, nil
	}
	if meta.PayloadSlot != headerIndex {
		return nil, NotReady, nil
	}
	pool, ok := r.pools.ByID(meta.PoolID)
	if !ok {
		return nil, NotReady, nil
	}
	if meta.ValuesLenBytes > pool.StrideBytes() {
		return nil, NotReady, nil
	}
	buf, err := pool.Slot(meta.PayloadSlot)
	if err != nil {
		return nil, NotReady, nil
	}

	return &Frame{
		TensorHeader: view.TensorHeader,
		Payload:      buf[:meta.ValuesLenBytes],
		PayloadLen:   meta.ValuesLenBytes,
		PoolID:       meta.PoolID,
		PayloadSlot:  meta.PayloadSlot,
		TimestampNs:  meta.TimestampNs,
		MetaVersion:  meta.MetaVersion,
	}, Ready, nil
}

// AttachedStream is the {stream_id, epoch} pair a FRAME_PROGRESS update is
// checked against (spec.md §4.4 "Progress validation").
type AttachedStream struct {
	StreamID uint32
	Epoch    uint64
}

// ValidateProgress checks a reported FrameProgress update against the
// attached stream and the committed slot it names. Any mismatch is an
// integrity fault (ERROR), not NOT_READY, since a progress update for a
// frame that isn't what it claims to be is always a caller bug or a stale
// stream, never a normal race.
func (r *Reader) ValidateProgress(attached AttachedStream, p wire.FrameProgress) error {
	if p.StreamID != attached.StreamID {
		return tperr.New(tperr.Integrity, "frame progress stream_id %d != attached %d", p.StreamID, attached.StreamID)
	}
	if p.Epoch != attached.Epoch {
		return tperr.New(tperr.Integrity, "frame progress epoch %d != attached %d", p.Epoch, attached.Epoch)
	}
	index := r.ring.Index(p.Seq)
	view, ready, err := r.ring.Read(p.Seq)
	if err != nil {
		return err
	}
	if !ready {
		return tperr.New(tperr.Integrity, "frame progress seq %d (index %d) is not committed", p.Seq, index)
	}
	if p.PayloadBytesFilled > view.Meta.ValuesLenBytes {
		return tperr.New(tperr.Integrity, "payload_bytes_filled %d > values_len_bytes %d", p.PayloadBytesFilled, view.Meta.ValuesLenBytes)
	}
	pool, ok := r.pools.ByID(view.Meta.PoolID)
	if !ok {
		return tperr.New(tperr.Integrity, "frame progress seq %d references unknown pool_id %d", p.Seq, view.Meta.PoolID)
	}
	if view.Meta.ValuesLenBytes > pool.StrideBytes() {
		return tperr.New(tperr.Integrity, "values_len_bytes %d > stride_bytes %d", view.Meta.ValuesLenBytes, pool.StrideBytes())
	}
	return nil
}
