// Package shm implements the shared-memory frame ring: the superblock and
// region map (spec.md §4 component A), the header ring and seqlock commit
// protocol (component B), and the payload pools (component C). It is
// grounded on the teacher's feeder/shm package (a cache-line-aligned
// seqlock ring over an mmap'd /dev/shm file) generalized from a single
// fixed 64-byte BBO message to the spec's variable-length tensor frames,
// multi-pool layout, and superblock validation.
package shm

import (
	"encoding/binary"

	"github.com/tensorpool/tensorpool/tperr"
)

// SuperblockBytes is the fixed size of the descriptor at offset 0 of
// every region: a cache-line-aligned power of two (spec.md §3).
const SuperblockBytes = 4096

// Magic identifies a tensorpool region; any other value at offset 0
// means the file is not one of ours.
const Magic uint64 = 0x54454e534f52504c // "TENSORPL"

// RegionKind distinguishes a header-ring region from a payload-pool one.
type RegionKind uint8

const (
	RegionHeaderRing  RegionKind = 1
	RegionPayloadPool RegionKind = 2
)

// Superblock is the fixed descriptor every region carries at offset 0
// (spec.md §3 "Region", §6 "Superblock").
type Superblock struct {
	Magic              uint64
	LayoutVersion      uint32
	Epoch              uint64
	StreamID           uint32
	RegionKind         RegionKind
	PoolID             uint16
	Nslots             uint32
	SlotBytes          uint32
	StrideBytes        uint32
	PID                uint32
	StartTimestampNs   uint64
	ActivityTimestampNs uint64
}

// superblockFieldsLength is how much of SuperblockBytes the fixed fields
// above occupy; the remainder is zero-padding reserved for future fields.
const superblockFieldsLength = 8 + 4 + 8 + 4 + 1 + 2 + 4 + 4 + 4 + 4 + 8 + 8

func init() {
	if superblockFieldsLength > SuperblockBytes {
		panic("shm: superblock fields exceed SuperblockBytes")
	}
}

// Encode writes sb into a SuperblockBytes-sized buffer.
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, SuperblockBytes)
	binary.LittleEndian.PutUint64(buf[0:8], sb.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], sb.LayoutVersion)
	binary.LittleEndian.PutUint64(buf[12:20], sb.Epoch)
	binary.LittleEndian.PutUint32(buf[20:24], sb.StreamID)
	buf[24] = byte(sb.RegionKind)
	binary.LittleEndian.PutUint16(buf[25:27], sb.PoolID)
	binary.LittleEndian.PutUint32(buf[27:31], sb.Nslots)
	binary.LittleEndian.PutUint32(buf[31:35], sb.SlotBytes)
	binary.LittleEndian.PutUint32(buf[35:39], sb.StrideBytes)
	binary.LittleEndian.PutUint32(buf[39:43], sb.PID)
	binary.LittleEndian.PutUint64(buf[43:51], sb.StartTimestampNs)
	binary.LittleEndian.PutUint64(buf[51:59], sb.ActivityTimestampNs)
	return buf
}

// DecodeSuperblock reads a Superblock out of the first SuperblockBytes of
// a mapped region.
func DecodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < superblockFieldsLength {
		return nil, tperr.New(tperr.CodecError, "superblock buffer too small")
	}
	sb := &Superblock{
		Magic:               binary.LittleEndian.Uint64(buf[0:8]),
		LayoutVersion:       binary.LittleEndian.Uint32(buf[8:12]),
		Epoch:               binary.LittleEndian.Uint64(buf[12:20]),
		StreamID:            binary.LittleEndian.Uint32(buf[20:24]),
		RegionKind:          RegionKind(buf[24]),
		PoolID:              binary.LittleEndian.Uint16(buf[25:27]),
		Nslots:              binary.LittleEndian.Uint32(buf[27:31]),
		SlotBytes:           binary.LittleEndian.Uint32(buf[31:35]),
		StrideBytes:         binary.LittleEndian.Uint32(buf[35:39]),
		PID:                 binary.LittleEndian.Uint32(buf[39:43]),
		StartTimestampNs:    binary.LittleEndian.Uint64(buf[43:51]),
		ActivityTimestampNs: binary.LittleEndian.Uint64(buf[51:59]),
	}
	return sb, nil
}

// Expected is the set of fields an attach reply commits a client to, used
// to validate a freshly mapped region (spec.md §3 Region invariant).
type Expected struct {
	LayoutVersion uint32
	Epoch         uint64
	StreamID      uint32
	RegionKind    RegionKind
	PoolID        uint16
	Nslots        uint32
	SlotBytes     uint32
	StrideBytes   uint32
}

// Validate checks sb against exp per spec.md §6/§8: stride_bytes is only
// compared for PAYLOAD_POOL regions, slot_bytes only for HEADER_RING ones.
func Validate(sb *Superblock, exp Expected) error {
	if sb.Magic != Magic {
		return tperr.New(tperr.LayoutMismatch, "bad magic %#x", sb.Magic)
	}
	if sb.LayoutVersion != exp.LayoutVersion {
		return tperr.New(tperr.LayoutMismatch, "layout_version %d != %d", sb.LayoutVersion, exp.LayoutVersion)
	}
	if sb.Epoch != exp.Epoch {
		return tperr.New(tperr.EpochMismatch, "epoch %d != %d", sb.Epoch, exp.Epoch)
	}
	if sb.StreamID != exp.StreamID {
		return tperr.New(tperr.LayoutMismatch, "stream_id %d != %d", sb.StreamID, exp.StreamID)
	}
	if sb.RegionKind != exp.RegionKind {
		return tperr.New(tperr.LayoutMismatch, "region_kind %d != %d", sb.RegionKind, exp.RegionKind)
	}
	if sb.PoolID != exp.PoolID {
		return tperr.New(tperr.LayoutMismatch, "pool_id %d != %d", sb.PoolID, exp.PoolID)
	}
	if sb.Nslots != exp.Nslots {
		return tperr.New(tperr.LayoutMismatch, "nslots %d != %d", sb.Nslots, exp.Nslots)
	}
	switch sb.RegionKind {
	case RegionHeaderRing:
		if sb.SlotBytes != exp.SlotBytes {
			return tperr.New(tperr.LayoutMismatch, "slot_bytes %d != %d", sb.SlotBytes, exp.SlotBytes)
		}
	case RegionPayloadPool:
		if sb.StrideBytes != exp.StrideBytes {
			return tperr.New(tperr.LayoutMismatch, "stride_bytes %d != %d", sb.StrideBytes, exp.StrideBytes)
		}
	}
	return nil
}

// IsPowerOfTwo reports whether n is a nonzero power of two (spec.md §4.1
// ring-sizing invariant).
func IsPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }
