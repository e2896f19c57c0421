package consumer_test

import (
	"path/filepath"
	"testing"

	"github.com/tensorpool/tensorpool/consumer"
	"github.com/tensorpool/tensorpool/producer"
	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/wire"
)

func newFixture(t *testing.T) (*producer.Producer, *consumer.Reader) {
	t.Helper()
	dir := t.TempDir()
	const nslots = 4
	const stride = 128

	headerRegion, err := shm.Create(filepath.Join(dir, "header"), shm.SuperblockBytes+nslots*wire.HeaderSlotBytes, shm.CreateOptions{})
	if err != nil {
		t.Fatalf("create header region: %v", err)
	}
	t.Cleanup(func() { headerRegion.Close() })
	ring, err := shm.NewHeaderRing(headerRegion, nslots)
	if err != nil {
		t.Fatalf("new header ring: %v", err)
	}
	poolRegion, err := shm.Create(filepath.Join(dir, "pool1"), shm.SuperblockBytes+nslots*stride, shm.CreateOptions{})
	if err != nil {
		t.Fatalf("create pool region: %v", err)
	}
	t.Cleanup(func() { poolRegion.Close() })
	pool, err := shm.NewPool(poolRegion, 1, nslots, stride)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	poolSet, err := shm.NewPoolSet([]*shm.Pool{pool}, 0)
	if err != nil {
		t.Fatalf("new pool set: %v", err)
	}
	return producer.New(ring, poolSet), consumer.New(ring, poolSet)
}

func TestReadFrameOutOfRangeIsError(t *testing.T) {
	_, reader := newFixture(t)
	if _, status, err := reader.ReadFrame(1, 99); status != consumer.StatusError || err == nil {
		t.Fatalf("ReadFrame(1, 99) = %v, %v, want StatusError, non-nil", status, err)
	}
}

func TestReadFrameSequenceMismatchIsNotReady(t *testing.T) {
	prod, reader := newFixture(t)
	claim, err := prod.TryClaim(8)
	if err != nil {
		t.Fatalf("try_claim: %v", err)
	}
	th := &wire.TensorHeader{Dtype: wire.DtypeUint8, MajorOrder: wire.MajorOrderRow, NDims: 1, Dims: [wire.MaxDims]int32{8}}
	if err := prod.Commit(claim, th, producer.CommitMeta{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// wrong header index for this seq's slot.
	if _, status, err := reader.ReadFrame(claim.Seq, (claim.HeaderIndex+1)%4); err != nil || status != consumer.NotReady {
		t.Fatalf("ReadFrame with mismatched index = %v, %v, want NOT_READY, nil", status, err)
	}
	// right index, wrong seq.
	if _, status, err := reader.ReadFrame(claim.Seq+4, claim.HeaderIndex); err != nil || status != consumer.NotReady {
		t.Fatalf("ReadFrame with stale seq = %v, %v, want NOT_READY, nil", status, err)
	}
}

func TestValidateProgress(t *testing.T) {
	prod, reader := newFixture(t)
	claim, err := prod.TryClaim(32)
	if err != nil {
		t.Fatalf("try_claim: %v", err)
	}
	th := &wire.TensorHeader{Dtype: wire.DtypeFloat32, MajorOrder: wire.MajorOrderRow, NDims: 1, Dims: [wire.MaxDims]int32{8}}
	if err := prod.Commit(claim, th, producer.CommitMeta{}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	attached := consumer.AttachedStream{StreamID: 10000, Epoch: 7}
	ok := wire.FrameProgress{StreamID: 10000, Epoch: 7, Seq: claim.Seq, PayloadBytesFilled: 16}
	if err := reader.ValidateProgress(attached, ok); err != nil {
		t.Fatalf("ValidateProgress ok case: %v", err)
	}

	badStream := ok
	badStream.StreamID = 9999
	if err := reader.ValidateProgress(attached, badStream); err == nil || !tperr.Is(err, tperr.Integrity) {
		t.Fatalf("ValidateProgress bad stream_id: %v", err)
	}

	badEpoch := ok
	badEpoch.Epoch = 1
	if err := reader.ValidateProgress(attached, badEpoch); err == nil || !tperr.Is(err, tperr.Integrity) {
		t.Fatalf("ValidateProgress bad epoch: %v", err)
	}

	overFilled := ok
	overFilled.PayloadBytesFilled = 999
	if err := reader.ValidateProgress(attached, overFilled); err == nil || !tperr.Is(err, tperr.Integrity) {
		t.Fatalf("ValidateProgress overfilled: %v", err)
	}

	notCommitted := ok
	notCommitted.Seq = claim.Seq + 100
	if err := reader.ValidateProgress(attached, notCommitted); err == nil || !tperr.Is(err, tperr.Integrity) {
		t.Fatalf("ValidateProgress uncommitted seq: %v", err)
	}
}
