package shm

import (
	"path/filepath"
	"testing"
)

func createPool(t *testing.T, dir, name string, poolID uint16, nslots, stride uint32) *Pool {
	t.Helper()
	region, err := Create(filepath.Join(dir, name), SuperblockBytes+int(nslots)*int(stride), CreateOptions{})
	if err != nil {
		t.Fatalf("create region %s: %v", name, err)
	}
	t.Cleanup(func() { region.Close() })
	pool, err := NewPool(region, poolID, nslots, stride)
	if err != nil {
		t.Fatalf("new pool %s: %v", name, err)
	}
	return pool
}

func TestPoolSetPicksSmallestFittingStride(t *testing.T) {
	dir := t.TempDir()
	small := createPool(t, dir, "small", 1, 4, 64)
	large := createPool(t, dir, "large", 2, 4, 256)

	ps, err := NewPoolSet([]*Pool{large, small}, 0)
	if err != nil {
		t.Fatalf("new pool set: %v", err)
	}

	got, err := ps.Pick(32)
	if err != nil {
		t.Fatalf("pick(32): %v", err)
	}
	if got.PoolID() != small.PoolID() {
		t.Fatalf("pick(32) chose pool %d, want %d", got.PoolID(), small.PoolID())
	}

	got, err = ps.Pick(128)
	if err != nil {
		t.Fatalf("pick(128): %v", err)
	}
	if got.PoolID() != large.PoolID() {
		t.Fatalf("pick(128) chose pool %d, want %d", got.PoolID(), large.PoolID())
	}

	if _, err := ps.Pick(1024); err == nil {
		t.Fatalf("expected no-pool-fits error for length 1024")
	}
}

func TestPoolSetFixedMode(t *testing.T) {
	dir := t.TempDir()
	pool := createPool(t, dir, "pool1", 1, 4, 64)
	ps, err := NewPoolSet([]*Pool{pool}, 1)
	if err != nil {
		t.Fatalf("new pool set: %v", err)
	}

	fixed, ok := ps.IsFixed()
	if !ok || fixed.PoolID() != 1 {
		t.Fatalf("expected fixed pool 1, got %+v, %v", fixed, ok)
	}

	if _, err := ps.Pick(65); err == nil {
		t.Fatalf("expected fixed-pool overflow error")
	}
	if _, err := ps.Pick(64); err != nil {
		t.Fatalf("pick(64) on fixed pool: %v", err)
	}
}

func TestPoolSlotBounds(t *testing.T) {
	dir := t.TempDir()
	pool := createPool(t, dir, "pool1", 1, 4, 64)
	if _, err := pool.Slot(3); err != nil {
		t.Fatalf("slot(3): %v", err)
	}
	if _, err := pool.Slot(4); err == nil {
		t.Fatalf("expected out-of-range error for slot 4")
	}
}
