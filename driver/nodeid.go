package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/tensorpool/tensorpool/tperr"
)

// nodeIDAllocator assigns node ids for consumer attaches and refuses to
// reuse one within a cooldown window (spec.md §4.6 "a node_id that must
// not have been reused within a cooldown window"; SPEC_FULL §10
// "Node-id reuse cooldown").
type nodeIDAllocator struct {
	mu       sync.Mutex
	next     int32
	released map[int32]time.Time
	cooldown time.Duration
}

func newNodeIDAllocator(cooldown time.Duration) *nodeIDAllocator {
	return &nodeIDAllocator{released: make(map[int32]time.Time), cooldown: cooldown}
}

// Allocate returns the next node id that either has never been released
// or was released more than the cooldown window ago as of now.
func (a *nodeIDAllocator) Allocate(now time.Time) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		id := a.next
		a.next++
		if releasedAt, ever := a.released[id]; !ever || now.Sub(releasedAt) >= a.cooldown {
			delete(a.released, id)
			return id
		}
	}
}

// Release marks id as released at now, starting its cooldown window.
func (a *nodeIDAllocator) Release(id int32, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released[id] = now
}

// pickBaseDir deterministically shards streamID across dirs by
// xxhash(stream_id) % len(dirs) (SPEC_FULL §4.12), so repeated attaches
// for the same stream always land on the same allowed base directory
// without the driver persisting a mapping.
func pickBaseDir(streamID uint32, dirs []string) (string, error) {
	if len(dirs) == 0 {
		return "", tperr.New(tperr.Internal, "no allowed_base_dirs configured")
	}
	digest := xxhash.ChecksumString64S(fmt.Sprintf("stream-%d", streamID), 0)
	return dirs[digest%uint64(len(dirs))], nil
}
