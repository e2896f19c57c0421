package wire

import (
	"encoding/binary"

	"github.com/tensorpool/tensorpool/tperr"
)

// HeaderSlotBytes is the whole slot record's fixed size (spec.md §3: "the
// entire slot, not just the commit word"). The spec calls 256 a typical
// value; this package fixes it at that value since nothing in the domain
// needs a different one.
const HeaderSlotBytes = 256

// CommitWordBytes is the size of the seqlock commit word at the start of
// every slot; shm.HeaderRing owns reading/writing it with atomics, so it
// is not part of the framed body this file encodes.
const CommitWordBytes = 8

// ReservedPadBytes is the zero-initialized padding spec.md §3 reserves
// after meta_version and before the header-bytes region.
const ReservedPadBytes = 26

// slotMetaBlockLength: values_len_bytes(4) + payload_slot(4) + pool_id(2)
// + payload_offset(4) + timestamp_ns(8) + meta_version(4) = 26, plus the
// reserved pad.
const slotMetaFieldsLength = 4 + 4 + 2 + 4 + 8 + 4
const slotMetaBlockLength = slotMetaFieldsLength + ReservedPadBytes

// SlotBodyBytes is HeaderSlotBytes minus the commit word: the region
// wire.EncodeSlotBody/DecodeSlotBody operate on.
const SlotBodyBytes = HeaderSlotBytes - CommitWordBytes

// lengthPrefixBytes is the 32-bit length prefix in front of the
// self-delimited header-bytes region.
const lengthPrefixBytes = 4

// MaxHeaderBytesLength is how many bytes the header-bytes region can hold
// given the fixed overhead ahead of it within a slot.
const MaxHeaderBytesLength = SlotBodyBytes - outerHeaderBytes - slotMetaBlockLength - lengthPrefixBytes

// SlotMeta is the fixed slot-metadata block (spec.md §3), everything in a
// slot besides the commit word and the header-bytes region.
type SlotMeta struct {
	ValuesLenBytes uint32
	PayloadSlot    uint32
	PoolID         uint16
	PayloadOffset  uint32
	TimestampNs    uint64
	MetaVersion    uint32
}

// EncodeSlotBody frames meta and headerBytes into a SlotBodyBytes-sized
// buffer ready to be written starting right after a slot's commit word.
// It returns an error if headerBytes exceeds the space a slot has left
// after its fixed fields, rather than silently truncating.
func EncodeSlotBody(meta SlotMeta, headerBytes []byte) ([]byte, error) {
	if len(headerBytes) > MaxHeaderBytesLength {
		return nil, tperr.New(tperr.InvalidArgument, "header bytes length %d exceeds slot capacity %d", len(headerBytes), MaxHeaderBytesLength)
	}
	buf := make([]byte, SlotBodyBytes)
	putOuterHeader(buf, TemplateSlotHeader, slotMetaBlockLength)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint32(b[0:4], meta.ValuesLenBytes)
	binary.LittleEndian.PutUint32(b[4:8], meta.PayloadSlot)
	binary.LittleEndian.PutUint16(b[8:10], meta.PoolID)
	binary.LittleEndian.PutUint32(b[10:14], meta.PayloadOffset)
	binary.LittleEndian.PutUint64(b[14:22], meta.TimestampNs)
	binary.LittleEndian.PutUint32(b[22:26], meta.MetaVersion)
	// b[26:slotMetaBlockLength) is the reserved pad; buf is already
	// zero-valued there.
	lenOff := outerHeaderBytes + slotMetaBlockLength
	binary.LittleEndian.PutUint32(buf[lenOff:lenOff+4], uint32(len(headerBytes)))
	copy(buf[lenOff+4:], headerBytes)
	return buf, nil
}

// DecodeSlotBody is the inverse of EncodeSlotBody. It does not itself
// decide READY/NOT_READY — its caller (shm.HeaderRing.Read) combines it with the
// seqlock result and the header-bytes-length/tensor-header checks spec.md
// §4.4 requires.
func DecodeSlotBody(buf []byte) (SlotMeta, []byte, error) {
	if len(buf) < SlotBodyBytes {
		return SlotMeta{}, nil, tperr.New(tperr.CodecError, "slot body shorter than %d bytes", SlotBodyBytes)
	}
	_, b, err := decodeOuterHeader(buf, TemplateSlotHeader)
	if err != nil {
		return SlotMeta{}, nil, err
	}
	if len(b) < slotMetaFieldsLength {
		return SlotMeta{}, nil, tperr.New(tperr.CodecError, "slot meta block truncated")
	}
	meta := SlotMeta{
		ValuesLenBytes: binary.LittleEndian.Uint32(b[0:4]),
		PayloadSlot:    binary.LittleEndian.Uint32(b[4:8]),
		PoolID:         binary.LittleEndian.Uint16(b[8:10]),
		PayloadOffset:  binary.LittleEndian.Uint32(b[10:14]),
		TimestampNs:    binary.LittleEndian.Uint64(b[14:22]),
		MetaVersion:    binary.LittleEndian.Uint32(b[22:26]),
	}
	rest := buf[outerHeaderBytes+slotMetaBlockLength:]
	headerBytes, _, err := getBytes(rest)
	if err != nil {
		return SlotMeta{}, nil, err
	}
	return meta, headerBytes, nil
}
