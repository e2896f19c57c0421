package wire

import "testing"

func TestTensorHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &TensorHeader{
		Dtype:        DtypeFloat32,
		MajorOrder:   MajorOrderRow,
		NDims:        1,
		ProgressUnit: ProgressNone,
		Dims:         [MaxDims]int32{8},
		Strides:      [MaxDims]int32{4},
	}
	buf := Encode(h)
	if len(buf) != EncodedSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), EncodedSize)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestTensorHeaderValidateFillsPackedStrides(t *testing.T) {
	// row-major 2x3 float32: strides[1]=4, strides[0]=12.
	h := &TensorHeader{
		Dtype:      DtypeFloat32,
		MajorOrder: MajorOrderRow,
		NDims:      2,
		Dims:       [MaxDims]int32{2, 3},
	}
	if err := Validate(h); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if h.Strides[0] != 12 || h.Strides[1] != 4 {
		t.Fatalf("unexpected packed strides: %v", h.Strides)
	}
}

func TestTensorHeaderValidateColumnMajor(t *testing.T) {
	h := &TensorHeader{
		Dtype:      DtypeFloat32,
		MajorOrder: MajorOrderColumn,
		NDims:      2,
		Dims:       [MaxDims]int32{2, 3},
	}
	if err := Validate(h); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if h.Strides[0] != 4 || h.Strides[1] != 8 {
		t.Fatalf("unexpected column-major strides: %v", h.Strides)
	}
}

func TestTensorHeaderValidateRejectsNegativeStride(t *testing.T) {
	h := &TensorHeader{
		Dtype:      DtypeFloat32,
		MajorOrder: MajorOrderRow,
		NDims:      1,
		Dims:       [MaxDims]int32{8},
		Strides:    [MaxDims]int32{-4},
	}
	if err := Validate(h); err == nil {
		t.Fatalf("expected validate to reject a negative stride")
	}
}

func TestTensorHeaderValidateRejectsUndersizedStride(t *testing.T) {
	h := &TensorHeader{
		Dtype:      DtypeFloat32,
		MajorOrder: MajorOrderRow,
		NDims:      1,
		Dims:       [MaxDims]int32{8},
		Strides:    [MaxDims]int32{2}, // smaller than packed 4
	}
	if err := Validate(h); err == nil {
		t.Fatalf("expected validate to reject an undersized stride")
	}
}

func TestTensorHeaderValidateRejectsTrailingDims(t *testing.T) {
	h := &TensorHeader{
		Dtype:      DtypeFloat32,
		MajorOrder: MajorOrderRow,
		NDims:      1,
		Dims:       [MaxDims]int32{8, 3},
	}
	if err := Validate(h); err == nil {
		t.Fatalf("expected validate to reject a nonzero dims entry beyond ndims")
	}
}

func TestTensorHeaderValidateProgressUnit(t *testing.T) {
	h := &TensorHeader{
		Dtype:        DtypeFloat32,
		MajorOrder:   MajorOrderRow,
		NDims:        2,
		Dims:         [MaxDims]int32{2, 3},
		ProgressUnit: ProgressRows,
		ProgressStrideBytes: 12, // strides[0] of a row-major 2x3 float32
	}
	if err := Validate(h); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if h.ProgressStrideBytes != uint32(h.Strides[0]) {
		t.Fatalf("progress_stride_bytes %d != strides[0] %d", h.ProgressStrideBytes, h.Strides[0])
	}

	bad := *h
	bad.ProgressStrideBytes = 999
	if err := Validate(&bad); err == nil {
		t.Fatalf("expected validate to reject a mismatched progress_stride_bytes")
	}
}

func TestTensorHeaderValidateRejectsOutOfRangeNDims(t *testing.T) {
	h := &TensorHeader{Dtype: DtypeFloat32, MajorOrder: MajorOrderRow, NDims: 0}
	if err := Validate(h); err == nil {
		t.Fatalf("expected validate to reject ndims=0")
	}
	h.NDims = MaxDims + 1
	if err := Validate(h); err == nil {
		t.Fatalf("expected validate to reject ndims > MaxDims")
	}
}
