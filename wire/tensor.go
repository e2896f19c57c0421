package wire

import (
	"encoding/binary"

	"github.com/tensorpool/tensorpool/tperr"
)

// MaxDims bounds the rank of any tensor header this pool can carry. The
// original implementation fixes it at 8, and this package keeps that value.
const MaxDims = 8

// Dtype identifies the element type carried by a tensor header.
type Dtype int16

const (
	DtypeUnknown Dtype = 0
	DtypeFloat32 Dtype = 1
	DtypeFloat64 Dtype = 2
	DtypeInt32   Dtype = 3
	DtypeInt64   Dtype = 4
	DtypeUint8   Dtype = 5
	DtypeInt8    Dtype = 6
	DtypeFloat16 Dtype = 7
	DtypeBFloat16 Dtype = 8
)

// ElemSize returns the byte size of one element of d, or 0 for an unknown
// dtype (spec.md §3: "dtype maps to a nonzero element size").
func ElemSize(d Dtype) uint32 {
	switch d {
	case DtypeFloat32, DtypeInt32:
		return 4
	case DtypeFloat64, DtypeInt64:
		return 8
	case DtypeUint8, DtypeInt8:
		return 1
	case DtypeFloat16, DtypeBFloat16:
		return 2
	default:
		return 0
	}
}

// MajorOrder selects row-major or column-major stride inference.
type MajorOrder int16

const (
	MajorOrderRow    MajorOrder = 1
	MajorOrderColumn MajorOrder = 2
)

// ProgressUnit selects which axis a streaming FRAME_PROGRESS update counts.
type ProgressUnit uint8

const (
	ProgressNone    ProgressUnit = 0
	ProgressRows    ProgressUnit = 1
	ProgressColumns ProgressUnit = 2
)

// TensorHeader is the typed descriptor carried inside every committed
// slot (spec.md §3 "Tensor header").
type TensorHeader struct {
	Dtype               Dtype
	MajorOrder          MajorOrder
	NDims                uint8
	ProgressUnit         ProgressUnit
	ProgressStrideBytes  uint32
	Dims                 [MaxDims]int32
	Strides              [MaxDims]int32
}

// tensorBlockLength is the fixed size of the TensorHeader block, not
// counting the outer framing: dtype(2) + major_order(2) + ndims(1) +
// progress_unit(1) + progress_stride_bytes(4) + dims(8*4) + strides(8*4).
const tensorBlockLength = 2 + 2 + 1 + 1 + 4 + MaxDims*4 + MaxDims*4

// EncodedSize is the fixed encoded size of a tensor header record,
// including its own outer framing. Slot decoding (spec.md §4.4) rejects
// any header-bytes length that doesn't equal this constant.
const EncodedSize = outerHeaderBytes + tensorBlockLength

// Encode writes h as a fixed-size, self-contained framed record. The
// caller must have already called Validate (or constructed h by hand with
// correct strides); Encode does not validate.
func Encode(h *TensorHeader) []byte {
	buf := make([]byte, EncodedSize)
	putOuterHeader(buf, TemplateTensorHeader, tensorBlockLength)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.Dtype))
	binary.LittleEndian.PutUint16(b[2:4], uint16(h.MajorOrder))
	b[4] = h.NDims
	b[5] = byte(h.ProgressUnit)
	binary.LittleEndian.PutUint32(b[6:10], h.ProgressStrideBytes)
	off := 10
	for i := 0; i < MaxDims; i++ {
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(h.Dims[i]))
		off += 4
	}
	for i := 0; i < MaxDims; i++ {
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(h.Strides[i]))
		off += 4
	}
	return buf
}

// Decode parses a framed tensor header record produced by Encode. It does
// not itself enforce the semantic invariants (ndims range, positive dims,
// etc.) — call Validate for that, as spec.md §8 keeps decode and validate
// distinct operations.
func Decode(buf []byte) (*TensorHeader, error) {
	_, b, err := decodeOuterHeader(buf, TemplateTensorHeader)
	if err != nil {
		return nil, err
	}
	if len(b) < tensorBlockLength {
		return nil, tperr.New(tperr.CodecError, "tensor header block truncated")
	}
	h := &TensorHeader{
		Dtype:               Dtype(binary.LittleEndian.Uint16(b[0:2])),
		MajorOrder:          MajorOrder(binary.LittleEndian.Uint16(b[2:4])),
		NDims:                b[4],
		ProgressUnit:         ProgressUnit(b[5]),
		ProgressStrideBytes: binary.LittleEndian.Uint32(b[6:10]),
	}
	off := 10
	for i := 0; i < MaxDims; i++ {
		h.Dims[i] = int32(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
	}
	for i := 0; i < MaxDims; i++ {
		h.Strides[i] = int32(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
	}
	return h, nil
}

// Validate enforces spec.md §3/§8's invariants, filling in any omitted
// (zero) strides from Dims and Dtype's element size, in place. It rejects
// ndims out of [1, MaxDims], non-positive dims, negative strides, an
// unknown dtype, a caller-supplied stride smaller than the packed value,
// non-zero trailing dims/strides beyond ndims, and a progress stride that
// doesn't match the declared axis.
func Validate(h *TensorHeader) error {
	if h.NDims < 1 || int(h.NDims) > MaxDims {
		return tperr.New(tperr.Integrity, "ndims %d out of range [1, %d]", h.NDims, MaxDims)
	}
	elemSize := ElemSize(h.Dtype)
	if elemSize == 0 {
		return tperr.New(tperr.Integrity, "unknown dtype %d", h.Dtype)
	}
	n := int(h.NDims)
	for i := 0; i < n; i++ {
		if h.Dims[i] <= 0 {
			return tperr.New(tperr.Integrity, "dims[%d]=%d must be > 0", i, h.Dims[i])
		}
		if h.Strides[i] < 0 {
			return tperr.New(tperr.Integrity, "strides[%d]=%d must be >= 0", i, h.Strides[i])
		}
	}
	for i := n; i < MaxDims; i++ {
		if h.Dims[i] != 0 || h.Strides[i] != 0 {
			return tperr.New(tperr.Integrity, "unused dims/strides[%d] must be zero", i)
		}
	}

	packed := make([]int32, n)
	switch h.MajorOrder {
	case MajorOrderRow:
		packed[n-1] = int32(elemSize)
		for i := n - 2; i >= 0; i-- {
			packed[i] = packed[i+1] * h.Dims[i+1]
		}
	case MajorOrderColumn:
		packed[0] = int32(elemSize)
		for i := 1; i < n; i++ {
			packed[i] = packed[i-1] * h.Dims[i-1]
		}
	default:
		return tperr.New(tperr.Integrity, "unknown major_order %d", h.MajorOrder)
	}
	for i := 0; i < n; i++ {
		if h.Strides[i] == 0 {
			h.Strides[i] = packed[i]
		} else if h.Strides[i] < packed[i] {
			return tperr.New(tperr.Integrity, "strides[%d]=%d smaller than packed stride %d", i, h.Strides[i], packed[i])
		}
	}

	switch h.ProgressUnit {
	case ProgressNone:
		if h.ProgressStrideBytes != 0 {
			return tperr.New(tperr.Integrity, "progress_stride_bytes must be 0 when progress_unit is NONE")
		}
	case ProgressRows:
		if n < 1 || h.ProgressStrideBytes != uint32(h.Strides[0]) {
			return tperr.New(tperr.Integrity, "progress_stride_bytes must equal strides[0] for ROWS")
		}
	case ProgressColumns:
		if n < 2 || h.ProgressStrideBytes != uint32(h.Strides[1]) {
			return tperr.New(tperr.Integrity, "progress_stride_bytes must equal strides[1] for COLUMNS")
		}
	default:
		return tperr.New(tperr.Integrity, "unknown progress_unit %d", h.ProgressUnit)
	}
	return nil
}
