package shm

import (
	"sort"

	"github.com/tensorpool/tensorpool/tperr"
)

// Pool is a payload pool (spec.md §3/§4.2 component C): a fixed-stride
// byte-block arena, parallel in arity to the header ring, keyed by
// pool_id.
type Pool struct {
	region      *Region
	poolID      uint16
	nslots      uint32
	strideBytes uint32
}

// NewPool wraps region as a payload pool. region's byte length must be at
// least SuperblockBytes + nslots*strideBytes.
func NewPool(region *Region, poolID uint16, nslots, strideBytes uint32) (*Pool, error) {
	if poolID == 0 {
		return nil, tperr.New(tperr.InvalidArgument, "pool_id 0 is reserved")
	}
	if strideBytes == 0 || strideBytes%64 != 0 {
		return nil, tperr.New(tperr.InvalidArgument, "stride_bytes %d must be a nonzero multiple of 64", strideBytes)
	}
	want := SuperblockBytes + int(nslots)*int(strideBytes)
	if len(region.Bytes()) < want {
		return nil, tperr.New(tperr.InvalidArgument, "pool region too small: have %d want %d", len(region.Bytes()), want)
	}
	return &Pool{region: region, poolID: poolID, nslots: nslots, strideBytes: strideBytes}, nil
}

func (p *Pool) PoolID() uint16       { return p.poolID }
func (p *Pool) StrideBytes() uint32  { return p.strideBytes }
func (p *Pool) Nslots() uint32       { return p.nslots }

// Slot returns the full stride-sized byte range for slot k (spec.md
// §4.2: "[SUPERBLOCK_BYTES + k*stride, SUPERBLOCK_BYTES + (k+1)*stride)").
func (p *Pool) Slot(k uint32) ([]byte, error) {
	if k >= p.nslots {
		return nil, tperr.New(tperr.OutOfRange, "pool %d slot %d out of range [0, %d)", p.poolID, k, p.nslots)
	}
	off := SuperblockBytes + int(k)*int(p.strideBytes)
	return p.region.Bytes()[off : off+int(p.strideBytes)], nil
}

// PoolSet is the collection of payload pools attached to one stream.
type PoolSet struct {
	byID      map[uint16]*Pool
	ordered   []*Pool // sorted by StrideBytes ascending, for Pick
	fixed     *Pool   // non-nil in fixed-pool mode
}

// NewPoolSet builds a PoolSet from pools. If fixedPoolID is nonzero, the
// set operates in fixed-pool mode pinned to that pool (spec.md §4.2).
func NewPoolSet(pools []*Pool, fixedPoolID uint16) (*PoolSet, error) {
	ps := &PoolSet{byID: make(map[uint16]*Pool, len(pools))}
	for _, p := range pools {
		if _, dup := ps.byID[p.poolID]; dup {
			return nil, tperr.New(tperr.InvalidArgument, "duplicate pool_id %d", p.poolID)
		}
		ps.byID[p.poolID] = p
	}
	ps.ordered = make([]*Pool, 0, len(pools))
	for _, p := range pools {
		ps.ordered = append(ps.ordered, p)
	}
	sort.Slice(ps.ordered, func(i, j int) bool { return ps.ordered[i].strideBytes < ps.ordered[j].strideBytes })
	if fixedPoolID != 0 {
		p, ok := ps.byID[fixedPoolID]
		if !ok {
			return nil, tperr.New(tperr.InvalidArgument, "fixed pool_id %d not present in pool set", fixedPoolID)
		}
		ps.fixed = p
	}
	return ps, nil
}

func (ps *PoolSet) ByID(id uint16) (*Pool, bool) {
	p, ok := ps.byID[id]
	return p, ok
}

// IsFixed reports whether this set operates in fixed-pool mode, and
// returns the pinned pool if so.
func (ps *PoolSet) IsFixed() (*Pool, bool) {
	if ps.fixed == nil {
		return nil, false
	}
	return ps.fixed, true
}

// Pick selects the pool to use for a claim of the given length, per
// spec.md §4.2/§8 "Pool fit": in fixed-pool mode, the pinned pool (erroring
// if length exceeds its stride); otherwise the smallest-stride pool whose
// stride is >= length.
func (ps *PoolSet) Pick(length uint32) (*Pool, error) {
	if ps.fixed != nil {
		if length > ps.fixed.strideBytes {
			return nil, tperr.New(tperr.InvalidArgument, "length %d exceeds fixed pool %d stride %d", length, ps.fixed.poolID, ps.fixed.strideBytes)
		}
		return ps.fixed, nil
	}
	for _, p := range ps.ordered {
		if p.strideBytes >= length {
			return p, nil
		}
	}
	return nil, tperr.New(tperr.ResourceExhausted, "no pool fits length %d", length)
}
