package alloc

import (
	"encoding/binary"
	"sync/atomic"
)

// deferredQueue is the per-segment channel for frees arriving from heaps
// that do not own the segment. It is a Treiber-style lock-free stack:
// many producers push concurrently, only the owning heap drains.
//
// The queue stores block offsets, not pointers. Each entry holds the
// offset of the next freed block in the first linkSize bytes of the block
// itself, so the queue needs no allocation of its own. Offsets are
// encoded as off+1 so that 0 can mean "empty"; segment offset 0 is a
// valid block address.
//
// Draining takes the entire chain with a single swap, which also removes
// the ABA hazard a pop-one stack would have: producers can only ever
// push onto whatever head they observe, and the consumer never reinserts
// drained entries.
type deferredQueue struct {
	head atomic.Uint32
}

// push links the block at off into the queue. data is the segment's
// committed byte range. Safe to call from any goroutine.
func (q *deferredQueue) push(data []byte, off uint32) {
	for {
		old := q.head.Load()
		binary.LittleEndian.PutUint32(data[off:off+linkSize], old)
		if q.head.CompareAndSwap(old, off+1) {
			return
		}
	}
}

// take detaches the whole chain and returns its head (encoded, 0 when
// empty). The caller walks the chain via the link words; it must read
// each block's link before handing the block to anything that may
// overwrite those bytes.
func (q *deferredQueue) take() uint32 {
	return q.head.Swap(0)
}

// empty reports whether the queue currently has no entries. Advisory
// only; a concurrent push may land immediately after.
func (q *deferredQueue) empty() bool {
	return q.head.Load() == 0
}
