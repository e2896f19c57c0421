package shm

import (
	"path/filepath"
	"testing"

	"github.com/tensorpool/tensorpool/wire"
)

func newRing(t *testing.T, nslots uint32) *HeaderRing {
	t.Helper()
	dir := t.TempDir()
	region, err := Create(filepath.Join(dir, "header"), SuperblockBytes+int(nslots)*wire.HeaderSlotBytes, CreateOptions{})
	if err != nil {
		t.Fatalf("create region: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	ring, err := NewHeaderRing(region, nslots)
	if err != nil {
		t.Fatalf("new header ring: %v", err)
	}
	return ring
}

func commitSlot(t *testing.T, ring *HeaderRing, seq uint64, headerBytes []byte) {
	t.Helper()
	index := ring.Index(seq)
	ring.StoreInProgress(index, seq)
	meta := wire.SlotMeta{ValuesLenBytes: 8, PayloadSlot: index, PoolID: 1}
	if err := ring.WriteBody(index, meta, headerBytes); err != nil {
		t.Fatalf("write body: %v", err)
	}
	ring.ReleaseCommit(index, seq)
}

func TestHeaderRingCommitAndRead(t *testing.T) {
	ring := newRing(t, 4)
	th := &wire.TensorHeader{Dtype: wire.DtypeUint8, MajorOrder: wire.MajorOrderRow, NDims: 1, Dims: [wire.MaxDims]int32{8}}
	if err := wire.Validate(th); err != nil {
		t.Fatalf("validate: %v", err)
	}
	commitSlot(t, ring, 1, wire.Encode(th))

	view, ready, err := ring.Read(1)
	if err != nil || !ready {
		t.Fatalf("Read(1) = %v, %v, %v, want ready", view, ready, err)
	}
	if view.Meta.PayloadSlot != 1 {
		t.Fatalf("unexpected payload slot: %d", view.Meta.PayloadSlot)
	}
}

func TestHeaderRingInProgressIsNotReady(t *testing.T) {
	ring := newRing(t, 4)
	ring.StoreInProgress(ring.Index(1), 1)

	_, ready, err := ring.Read(1)
	if err != nil || ready {
		t.Fatalf("Read on in-progress slot = ready=%v err=%v, want not-ready", ready, err)
	}
}

func TestHeaderRingWraparoundReuse(t *testing.T) {
	ring := newRing(t, 4)
	th := &wire.TensorHeader{Dtype: wire.DtypeUint8, MajorOrder: wire.MajorOrderRow, NDims: 1, Dims: [wire.MaxDims]int32{8}}
	if err := wire.Validate(th); err != nil {
		t.Fatalf("validate: %v", err)
	}
	commitSlot(t, ring, 1, wire.Encode(th))
	commitSlot(t, ring, 5, wire.Encode(th)) // seq=5 reuses index 1 (1 & 3 == 5 & 3)

	if _, ready, err := ring.Read(1); err != nil || ready {
		t.Fatalf("stale seq=1 should no longer be observable after wrap, got ready=%v err=%v", ready, err)
	}
	view, ready, err := ring.Read(5)
	if err != nil || !ready {
		t.Fatalf("Read(5) = %v, %v, want ready", ready, err)
	}
	if view == nil {
		t.Fatalf("expected non-nil view for seq=5")
	}
}
