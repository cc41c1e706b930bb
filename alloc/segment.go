package alloc

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pagemill/segheap/internal/region"
)

// segment is a coarse span obtained from the region source and carved into
// fixed-size pages. A segment is owned by at most one heap at a time; the
// owner is the only mutator of its pages' free lists. Frees arriving from
// other heaps go through the deferred queue.
//
// Ownership moves through an explicit state machine:
//
//	Owned -> Abandoned    owner heap closed with live blocks remaining
//	Abandoned -> Reclaiming   a candidate heap won the CAS and is draining
//	Reclaiming -> Owned   the segment drained fully free and was adopted
//	Reclaiming -> Abandoned   still has live blocks, returned to the pool
//
// Huge segments (dedicated to one oversized block) never enter the state
// machine; they are released straight back to the region source.
type segment struct {
	pool     *Pool
	region   *region.Region
	data     []byte
	size     int
	pageSize int

	// pages[i] covers [i*pageSize, (i+1)*pageSize). Pages are carved in
	// ascending order; pages[carved:] are untouched zero memory unless
	// dirty is set.
	pages     []page
	carved    int
	freePages []*page // retired pages available for recycling

	deferred deferredQueue

	state atomic.Int32
	owner atomic.Pointer[Heap]

	// dirty means uncarved page spans may hold stale data (the segment was
	// adopted after abandonment rather than freshly committed).
	dirty bool

	// committed tracks commit state for cached segments.
	committed bool

	// Huge-path fields (see huge.go). The allocating heap's id lives in
	// the pool's huge registry, not here, so ownership changes stay under
	// the registry mutex.
	huge     bool
	hugeSize int
	hugeOff  uint32
}

// page is a slab of equally sized blocks for one size class. The free list
// is embedded in the free blocks themselves: the first linkSize bytes of a
// free block hold the encoded index (index+1, 0 = end) of the next free
// block. Only the owning heap touches these fields.
type page struct {
	seg      *segment
	startOff uint32

	class     int32 // size class index, -1 when uncarved or retired
	blockSize int32
	capacity  int32
	used      int32
	freeLen   int32
	freeHead  uint32 // encoded index+1 of the first free block, 0 = empty

	queued bool // present in the owner's partial queue
	zero   bool // free blocks are zero beyond their link word
}

func newSegment(p *Pool, r *region.Region, pageSize int) *segment {
	data := r.Bytes()
	s := &segment{
		pool:      p,
		region:    r,
		data:      data,
		size:      len(data),
		pageSize:  pageSize,
		pages:     make([]page, len(data)/pageSize),
		committed: true,
	}
	return s
}

// pageAt maps a block offset to its page. O(1), no side table: the page
// grid is fixed at segment construction.
func (s *segment) pageAt(off uint32) *page {
	return &s.pages[off/uint32(s.pageSize)]
}

// takePage produces a page for the given class, recycling a retired page
// first and carving fresh segment space otherwise. Returns nil when the
// segment has no page to give.
func (s *segment) takePage(class int, blockSize, capacity int32) *page {
	if n := len(s.freePages); n > 0 {
		pg := s.freePages[n-1]
		s.freePages = s.freePages[:n-1]
		pg.init(class, blockSize, capacity, s.data)
		pg.zero = false // retired spans hold stale block contents
		return pg
	}
	if s.carved < len(s.pages) {
		pg := &s.pages[s.carved]
		pg.seg = s
		pg.startOff = uint32(s.carved * s.pageSize)
		s.carved++
		pg.init(class, blockSize, capacity, s.data)
		pg.zero = !s.dirty
		return pg
	}
	return nil
}

// idle reports whether every carved page has been retired. An idle
// segment holds no block state and may be cached or released.
func (s *segment) idle() bool {
	return s.carved == len(s.freePages)
}

// fullyFree reports whether no carved page holds a live block. Unlike
// idle, pages may still be in the carved (non-retired) state; used by
// reclaim, which inspects segments whose owner died.
func (s *segment) fullyFree() bool {
	for i := 0; i < s.carved; i++ {
		if s.pages[i].used != 0 {
			return false
		}
	}
	return true
}

// reset returns every page to the uncarved state. The caller must have
// exclusive access. dirty records whether the underlying bytes survived
// (adoption) or were freshly recommitted (cache reuse).
func (s *segment) reset(dirty bool) {
	for i := 0; i < s.carved; i++ {
		s.pages[i] = page{}
	}
	s.carved = 0
	s.freePages = s.freePages[:0]
	s.dirty = dirty
}

// drain applies every queued deferred free to its page's local free list
// and returns the count. The caller must hold exclusive page access
// (segment owner, or reclaim winner). after, when non-nil, runs once per
// applied block for the owner's page bookkeeping; it must not release the
// segment, since the chain walk still reads segment bytes.
func (s *segment) drain(after func(*page)) int {
	enc := s.deferred.take()
	n := 0
	for enc != 0 {
		off := enc - 1
		next := binary.LittleEndian.Uint32(s.data[off : off+linkSize])
		pg := s.pageAt(off)
		pg.push(s.data, off)
		if after != nil {
			after(pg)
		}
		enc = next
		n++
	}
	return n
}

// Ownership state transitions. Only the owner abandons; any heap may race
// to reclaim, the CAS picks one winner.

func (s *segment) setOwner(h *Heap) {
	s.owner.Store(h)
	s.state.Store(segOwned)
}

func (s *segment) abandonOwnership() {
	s.owner.Store(nil)
	s.state.Store(segAbandoned)
}

func (s *segment) tryBeginReclaim() bool {
	return s.state.CompareAndSwap(segAbandoned, segReclaiming)
}

func (s *segment) endReclaim(adoptedBy *Heap) {
	if adoptedBy != nil {
		s.setOwner(adoptedBy)
		return
	}
	s.state.Store(segAbandoned)
}

// init lays out the page for one size class and links every block into
// the free list in ascending address order. Deterministic first-touch
// order keeps allocation patterns reproducible and cache-friendly.
func (p *page) init(class int, blockSize, capacity int32, data []byte) {
	p.class = int32(class)
	p.blockSize = blockSize
	p.capacity = capacity
	p.used = 0
	p.freeLen = capacity
	p.queued = false
	p.zero = false
	for i := int32(0); i < capacity-1; i++ {
		off := p.startOff + uint32(i)*uint32(blockSize)
		binary.LittleEndian.PutUint32(data[off:off+linkSize], uint32(i)+2)
	}
	last := p.startOff + uint32(capacity-1)*uint32(blockSize)
	binary.LittleEndian.PutUint32(data[last:last+linkSize], 0)
	p.freeHead = 1
}

// pop removes the head block from the free list and returns its segment
// offset. O(1).
func (p *page) pop(data []byte) (uint32, bool) {
	enc := p.freeHead
	if enc == 0 {
		return 0, false
	}
	off := p.startOff + (enc-1)*uint32(p.blockSize)
	p.freeHead = binary.LittleEndian.Uint32(data[off : off+linkSize])
	p.freeLen--
	p.used++
	return off, true
}

// push returns a block to the free list. O(1). The block's former
// contents are garbage from here on, so the page's zero fast path is off.
func (p *page) push(data []byte, off uint32) {
	idx := (off - p.startOff) / uint32(p.blockSize)
	binary.LittleEndian.PutUint32(data[off:off+linkSize], p.freeHead)
	p.freeHead = idx + 1
	p.freeLen++
	p.used--
	p.zero = false
}
