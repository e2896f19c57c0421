package producer_test

import (
	"path/filepath"
	"testing"

	"github.com/tensorpool/tensorpool/consumer"
	"github.com/tensorpool/tensorpool/producer"
	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/wire"
)

func newFixture(t *testing.T, nslots uint32, strideBytes uint32) (*producer.Producer, *consumer.Reader) {
	t.Helper()
	dir := t.TempDir()

	headerSize := shm.SuperblockBytes + int(nslots)*wire.HeaderSlotBytes
	headerRegion, err := shm.Create(filepath.Join(dir, "header"), headerSize, shm.CreateOptions{})
	if err != nil {
		t.Fatalf("create header region: %v", err)
	}
	t.Cleanup(func() { headerRegion.Close() })
	ring, err := shm.NewHeaderRing(headerRegion, nslots)
	if err != nil {
		t.Fatalf("new header ring: %v", err)
	}

	poolSize := shm.SuperblockBytes + int(nslots)*int(strideBytes)
	poolRegion, err := shm.Create(filepath.Join(dir, "pool1"), poolSize, shm.CreateOptions{})
	if err != nil {
		t.Fatalf("create pool region: %v", err)
	}
	t.Cleanup(func() { poolRegion.Close() })
	pool, err := shm.NewPool(poolRegion, 1, nslots, strideBytes)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	poolSet, err := shm.NewPoolSet([]*shm.Pool{pool}, 0)
	if err != nil {
		t.Fatalf("new pool set: %v", err)
	}

	return producer.New(ring, poolSet), consumer.New(ring, poolSet)
}

func validHeader() *wire.TensorHeader {
	return &wire.TensorHeader{
		Dtype:        wire.DtypeFloat32,
		MajorOrder:   wire.MajorOrderRow,
		NDims:        1,
		ProgressUnit: wire.ProgressNone,
		Dims:         [wire.MaxDims]int32{8},
	}
}

// scenario 1: claim->commit->read.
func TestClaimCommitRead(t *testing.T) {
	prod, reader := newFixture(t, 4, 128)

	claim, err := prod.TryClaim(32)
	if err != nil {
		t.Fatalf("try_claim: %v", err)
	}
	if claim.Seq != 1 || claim.PayloadSlot != 1 || claim.Pool.PoolID() != 1 {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	for i := range claim.Payload {
		claim.Payload[i] = 0xAB
	}

	th := validHeader()
	th.Strides[0] = 4
	if err := prod.Commit(claim, th, producer.CommitMeta{TimestampNs: 55, MetaVersion: 2}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	frame, status, err := reader.ReadFrame(1, 1)
	if err != nil {
		t.Fatalf("read_frame error: %v", err)
	}
	if status != consumer.Ready {
		t.Fatalf("expected READY, got %v", status)
	}
	if frame.PayloadLen != 32 || frame.PoolID != 1 || frame.PayloadSlot != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.TimestampNs != 55 || frame.MetaVersion != 2 {
		t.Fatalf("unexpected frame metadata: %+v", frame)
	}
	for i, b := range frame.Payload {
		if b != 0xAB {
			t.Fatalf("payload[%d] = %#x, want 0xAB", i, b)
		}
	}
}

// scenario 2: in-progress reject.
func TestInProgressRejected(t *testing.T) {
	prod, reader := newFixture(t, 4, 128)

	if _, err := prod.TryClaim(32); err != nil {
		t.Fatalf("try_claim: %v", err)
	}

	_, status, err := reader.ReadFrame(1, 1)
	if err != nil {
		t.Fatalf("read_frame error: %v", err)
	}
	if status != consumer.NotReady {
		t.Fatalf("expected NOT_READY, got %v", status)
	}
}

// scenario 3: aborted hole.
func TestAbortedHole(t *testing.T) {
	prod, reader := newFixture(t, 4, 128)

	claim1, err := prod.TryClaim(32)
	if err != nil {
		t.Fatalf("try_claim seq=1: %v", err)
	}
	prod.Abort(claim1)

	claim2, err := prod.TryClaim(16)
	if err != nil {
		t.Fatalf("try_claim seq=2: %v", err)
	}
	if claim2.Seq != 2 {
		t.Fatalf("expected seq=2, got %d", claim2.Seq)
	}
	th := validHeader()
	if err := prod.Commit(claim2, th, producer.CommitMeta{}); err != nil {
		t.Fatalf("commit seq=2: %v", err)
	}

	if _, status, err := reader.ReadFrame(1, 1); err != nil || status != consumer.NotReady {
		t.Fatalf("read_frame(1,1) = %v, %v, want NOT_READY, nil", status, err)
	}
	frame, status, err := reader.ReadFrame(2, 2)
	if err != nil {
		t.Fatalf("read_frame(2,2) error: %v", err)
	}
	if status != consumer.Ready {
		t.Fatalf("read_frame(2,2) = %v, want READY", status)
	}
	if frame.PayloadLen != 16 {
		t.Fatalf("values_len_bytes = %d, want 16", frame.PayloadLen)
	}
}

// scenario 4: invalid tensor header leaves the claim in-progress forever.
func TestInvalidTensorHeaderLeavesSlotInProgress(t *testing.T) {
	prod, reader := newFixture(t, 4, 128)

	claim, err := prod.TryClaim(32)
	if err != nil {
		t.Fatalf("try_claim: %v", err)
	}
	th := &wire.TensorHeader{
		Dtype:      wire.DtypeFloat32,
		MajorOrder: wire.MajorOrderRow,
		NDims:      1,
		Dims:       [wire.MaxDims]int32{8},
		Strides:    [wire.MaxDims]int32{-4},
	}
	if err := prod.Commit(claim, th, producer.CommitMeta{}); err == nil {
		t.Fatalf("commit expected to fail for negative stride")
	} else if !tperr.Is(err, tperr.Integrity) {
		t.Fatalf("expected INTEGRITY error, got %v", err)
	}

	if _, status, err := reader.ReadFrame(1, 1); err != nil || status != consumer.NotReady {
		t.Fatalf("read_frame(1,1) = %v, %v, want NOT_READY, nil", status, err)
	}
}

func TestTryClaimNoPoolFits(t *testing.T) {
	prod, _ := newFixture(t, 4, 128)
	if _, err := prod.TryClaim(256); err == nil {
		t.Fatalf("expected no-pool-fits error")
	} else if !tperr.Is(err, tperr.ResourceExhausted) {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
}

func TestFixedPoolModeQueueClaim(t *testing.T) {
	dir := t.TempDir()
	const nslots = 4
	const stride = 64

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
	poolSet, err := shm.NewPoolSet([]*shm.Pool{pool}, 1)
	if err != nil {
		t.Fatalf("new pool set: %v", err)
	}
	prod := producer.New(ring, poolSet)
	reader := consumer.New(ring, poolSet)

	claimA, err := prod.TryClaim(8)
	if err != nil {
		t.Fatalf("try_claim A: %v", err)
	}
	claimB, err := prod.TryClaim(8)
	if err != nil {
		t.Fatalf("try_claim B: %v", err)
	}
	posA, err := prod.QueueClaim(claimA)
	if err != nil {
		t.Fatalf("queue_claim A: %v", err)
	}
	posB, err := prod.QueueClaim(claimB)
	if err != nil {
		t.Fatalf("queue_claim B: %v", err)
	}

	// commit B before A: out-of-order commit.
	if err := prod.CommitQueued(posB, validHeader(), producer.CommitMeta{}); err != nil {
		t.Fatalf("commit queued B: %v", err)
	}
	if err := prod.CommitQueued(posA, validHeader(), producer.CommitMeta{}); err != nil {
		t.Fatalf("commit queued A: %v", err)
	}

	if _, status, err := reader.ReadFrame(claimA.Seq, claimA.HeaderIndex); err != nil || status != consumer.Ready {
		t.Fatalf("read_frame(A) = %v, %v, want READY, nil", status, err)
	}
	if _, status, err := reader.ReadFrame(claimB.Seq, claimB.HeaderIndex); err != nil || status != consumer.Ready {
		t.Fatalf("read_frame(B) = %v, %v, want READY, nil", status, err)
	}
}

func TestQueueClaimRejectedInFreePoolMode(t *testing.T) {
	prod, _ := newFixture(t, 4, 128)
	claim, err := prod.TryClaim(8)
	if err != nil {
		t.Fatalf("try_claim: %v", err)
	}
	if _, err := prod.QueueClaim(claim); err == nil {
		t.Fatalf("expected queue_claim to fail in free-pool mode")
	}
}
