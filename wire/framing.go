// Package wire implements the fixed, hand-written encoders/decoders for
// every on-wire record spec.md §4.5/§6 names: the outer
// {schema_id, template_id, block_length, version} framing, the tensor and
// slot-metadata blocks, and the bus message families. The original
// implementation generates these from an SBE schema (see
// original_source/include/.../wire); this repository hand-writes the same
// framing discipline instead of reproducing a code generator.
package wire

import (
	"encoding/binary"

	"github.com/tensorpool/tensorpool/tperr"
)

// SchemaID identifies the tensorpool wire schema as a whole; every framed
// record carries it so a reader can reject bytes from a foreign schema
// before even looking at the template id.
const SchemaID uint16 = 0x5450 // "TP"

// Template ids, one per record family.
const (
	TemplateTensorHeader uint16 = 1
	TemplateSlotHeader   uint16 = 2

	TemplateAttachRequest   uint16 = 10
	TemplateAttachResponse  uint16 = 11
	TemplateDetachRequest   uint16 = 12
	TemplateDetachResponse  uint16 = 13
	TemplateLeaseRevoked    uint16 = 14
	TemplateShutdown        uint16 = 15
	TemplateKeepalive       uint16 = 16
	TemplateSHMPoolAnnounce uint16 = 20
	TemplateConsumerHello   uint16 = 21
	TemplateConsumerConfig  uint16 = 22
	TemplateDataSourceAnnounce    uint16 = 23
	TemplateDataSourceMetaBegin   uint16 = 24
	TemplateDataSourceMetaAttr    uint16 = 25
	TemplateDataSourceMetaEnd     uint16 = 26
	TemplateMetaBlobAnnounce      uint16 = 27
	TemplateMetaBlobChunk         uint16 = 28
	TemplateMetaBlobComplete      uint16 = 29
	TemplateControlResponse       uint16 = 30
	TemplateFrameDescriptor       uint16 = 31
	TemplateFrameProgress         uint16 = 32
	TemplateQOSProducer           uint16 = 33
	TemplateQOSConsumer           uint16 = 34

	TemplateStatsRequest  uint16 = 40
	TemplateStatsResponse uint16 = 41
)

const schemaVersion uint16 = 1

// outerHeaderBytes is the fixed size of {schema_id, template_id,
// block_length, version}, each a uint16.
const outerHeaderBytes = 8

// OuterHeader is the framing every record begins with.
type OuterHeader struct {
	SchemaID    uint16
	TemplateID  uint16
	BlockLength uint16
	Version     uint16
}

func putOuterHeader(buf []byte, templateID, blockLength uint16) {
	binary.LittleEndian.PutUint16(buf[0:2], SchemaID)
	binary.LittleEndian.PutUint16(buf[2:4], templateID)
	binary.LittleEndian.PutUint16(buf[4:6], blockLength)
	binary.LittleEndian.PutUint16(buf[6:8], schemaVersion)
}

// decodeOuterHeader reads and validates the framing, returning the
// fixed-block slice that follows it. Unknown template ids are reported to
// the caller (who decides, per spec.md §6, whether to ignore them as a
// forward-compatible extension or treat them as fatal for a required
// record).
func decodeOuterHeader(buf []byte, wantTemplate uint16) (OuterHeader, []byte, error) {
	if len(buf) < outerHeaderBytes {
		return OuterHeader{}, nil, tperr.New(tperr.CodecError, "frame shorter than outer header (%d bytes)", len(buf))
	}
	h := OuterHeader{
		SchemaID:    binary.LittleEndian.Uint16(buf[0:2]),
		TemplateID:  binary.LittleEndian.Uint16(buf[2:4]),
		BlockLength: binary.LittleEndian.Uint16(buf[4:6]),
		Version:     binary.LittleEndian.Uint16(buf[6:8]),
	}
	if h.SchemaID != SchemaID {
		return h, nil, tperr.New(tperr.CodecError, "schema mismatch: got %#x want %#x", h.SchemaID, SchemaID)
	}
	if h.TemplateID != wantTemplate {
		return h, nil, tperr.New(tperr.CodecError, "template mismatch: got %d want %d", h.TemplateID, wantTemplate)
	}
	rest := buf[outerHeaderBytes:]
	if len(rest) < int(h.BlockLength) {
		return h, nil, tperr.New(tperr.CodecError, "frame shorter than declared block_length %d", h.BlockLength)
	}
	return h, rest, nil
}

// PeekTemplate reads only the outer header's template id without
// validating the rest, so a bus dispatcher can route a fragment to the
// right decoder (or silently ignore an id it doesn't recognize, per
// spec.md §6's forward-compatibility rule).
func PeekTemplate(buf []byte) (templateID uint16, ok bool) {
	if len(buf) < outerHeaderBytes {
		return 0, false
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != SchemaID {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[2:4]), true
}

// putString writes a 16-bit length prefix followed by the UTF-8 bytes of
// s, self-delimiting variable-length fields the way spec.md §4.5 requires.
func putString(dst []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, s...)
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, tperr.New(tperr.CodecError, "truncated string length prefix")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, tperr.New(tperr.CodecError, "truncated string body: want %d have %d", n, len(buf))
	}
	return string(buf[:n]), buf[n:], nil
}

func putBytes(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, tperr.New(tperr.CodecError, "truncated bytes length prefix")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	buf = buf[4:]
	if n < 0 || len(buf) < n {
		return nil, nil, tperr.New(tperr.CodecError, "truncated bytes body: want %d have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}
