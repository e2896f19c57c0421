package shm

import "testing"

func TestSuperblockEncodeDecodeRoundTrip(t *testing.T) {
	sb := &Superblock{
		Magic:               Magic,
		LayoutVersion:       1,
		Epoch:               3,
		StreamID:            10000,
		RegionKind:          RegionHeaderRing,
		PoolID:              0,
		Nslots:              4,
		SlotBytes:           256,
		PID:                 1234,
		StartTimestampNs:    1000,
		ActivityTimestampNs: 2000,
	}
	buf := sb.Encode()
	if len(buf) != SuperblockBytes {
		t.Fatalf("encoded length = %d, want %d", len(buf), SuperblockBytes)
	}
	got, err := DecodeSuperblock(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *sb {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sb)
	}
}

func TestSuperblockValidate(t *testing.T) {
	exp := Expected{LayoutVersion: 1, Epoch: 3, StreamID: 10000, RegionKind: RegionHeaderRing, Nslots: 4, SlotBytes: 256}
	sb := &Superblock{Magic: Magic, LayoutVersion: 1, Epoch: 3, StreamID: 10000, RegionKind: RegionHeaderRing, Nslots: 4, SlotBytes: 256}
	if err := Validate(sb, exp); err != nil {
		t.Fatalf("expected valid superblock, got %v", err)
	}

	badEpoch := *sb
	badEpoch.Epoch = 4
	if err := Validate(&badEpoch, exp); err == nil {
		t.Fatalf("expected epoch mismatch error")
	}

	badMagic := *sb
	badMagic.Magic = 0
	if err := Validate(&badMagic, exp); err == nil {
		t.Fatalf("expected bad magic error")
	}

	poolExp := Expected{LayoutVersion: 1, Epoch: 3, StreamID: 10000, RegionKind: RegionPayloadPool, Nslots: 4, StrideBytes: 128}
	poolSb := &Superblock{Magic: Magic, LayoutVersion: 1, Epoch: 3, StreamID: 10000, RegionKind: RegionPayloadPool, Nslots: 4, StrideBytes: 64}
	if err := Validate(poolSb, poolExp); err == nil {
		t.Fatalf("expected stride_bytes mismatch error")
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	cases := map[uint32]bool{0: false, 1: true, 2: true, 3: false, 4: true, 1024: true, 1023: false}
	for n, want := range cases {
		if got := IsPowerOfTwo(n); got != want {
			t.Errorf("IsPowerOfTwo(%d) = %v, want %v", n, got, want)
		}
	}
}
