package alloc

import (
	"math"
	"math/bits"

	"github.com/pagemill/segheap/internal/align"
)

// Heap is a per-owner allocation context: one goroutine (or one
// externally serialized subsystem) drives a heap at a time. All hot-path
// state - the active page per size class, the partial-page queues, the
// owned segments - is single-writer and needs no locks. The only
// cross-thread traffic a heap ever sees is its segments' deferred-free
// queues, which it drains on its own schedule.
//
// Heaps are created through Pool.NewHeap or Pool.GetHeap and disposed of
// with Close (memory with live blocks survives, abandoned for other heaps
// to reclaim) or Destroy (everything owned is released outright).
type Heap struct {
	pool  *Pool
	id    uint64
	table *sizeClassTable

	// active[c] is the page currently serving class c; nil before first
	// use. partial[c] queues non-active pages of class c that regained
	// free capacity. Entries may be stale (the page was retired after
	// being queued); popPartial revalidates.
	active  []*page
	partial [][]*page

	// segments this heap owns; segCache holds fully free, decommitted
	// segments retained to damp acquire/release churn.
	segments []*segment
	segCache []*segment

	debug  bool
	closed bool
}

func newHeap(p *Pool, id uint64) *Heap {
	n := p.table.numClasses
	return &Heap{
		pool:    p,
		id:      id,
		table:   p.table,
		active:  make([]*page, n),
		partial: make([][]*page, n),
		debug:   p.cfg.DebugChecks,
	}
}

// ID returns the heap's pool-unique identifier. IDs are monotonically
// increasing and never reused within a pool.
func (h *Heap) ID() uint64 { return h.id }

// Alloc returns a block of at least size usable bytes. The block's
// contents are unspecified; use AllocZero for guaranteed zeroes.
// Alloc(0) returns a valid minimum-size block distinct from every other
// live allocation.
func (h *Heap) Alloc(size int) (Pointer, error) {
	if h.closed {
		return Pointer{}, ErrHeapClosed
	}
	if size < 0 {
		return Pointer{}, ErrInvalidSize
	}
	class := h.table.classFor(size)
	if class == h.table.numClasses {
		return h.allocHuge(size, 0, false)
	}
	return h.allocClass(class, false)
}

// AllocZero is Alloc with the returned block guaranteed all-zero.
func (h *Heap) AllocZero(size int) (Pointer, error) {
	if h.closed {
		return Pointer{}, ErrHeapClosed
	}
	if size < 0 {
		return Pointer{}, ErrInvalidSize
	}
	class := h.table.classFor(size)
	if class == h.table.numClasses {
		return h.allocHuge(size, 0, true)
	}
	return h.allocClass(class, true)
}

// AllocAligned returns a block whose address is a multiple of alignment.
// alignment must be a power of two no larger than MaxAlignment.
// Alignments up to the OS page size are served from regular pages by
// rounding the size so the class's block grid lands on the alignment;
// anything stronger routes to the huge path, which places the block at an
// aligned offset inside a dedicated segment.
func (h *Heap) AllocAligned(size, alignment int) (Pointer, error) {
	return h.allocAligned(size, alignment, false)
}

// AllocAlignedZero is AllocAligned with zeroed contents.
func (h *Heap) AllocAlignedZero(size, alignment int) (Pointer, error) {
	return h.allocAligned(size, alignment, true)
}

func (h *Heap) allocAligned(size, alignment int, zero bool) (Pointer, error) {
	if h.closed {
		return Pointer{}, ErrHeapClosed
	}
	if size < 0 {
		return Pointer{}, ErrInvalidSize
	}
	if alignment <= 0 || !align.IsPowerOfTwo(alignment) || alignment > MaxAlignment {
		return Pointer{}, ErrAlignmentUnsupported
	}
	if alignment > maxNaturalAlign {
		// Pages only guarantee block-grid alignment within a
		// page-aligned segment; stronger requests need a dedicated
		// placement even when the size is small.
		return h.allocHuge(size, alignment, zero)
	}
	class := h.table.classForAligned(size, alignment)
	if class == h.table.numClasses {
		return h.allocHuge(size, alignment, zero)
	}
	return h.allocClass(class, zero)
}

// Calloc allocates count*size zeroed bytes, failing with ErrSizeOverflow
// when the product does not fit in an int.
func (h *Heap) Calloc(count, size int) (Pointer, error) {
	if h.closed {
		return Pointer{}, ErrHeapClosed
	}
	if count < 0 || size < 0 {
		return Pointer{}, ErrInvalidSize
	}
	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || total > uint64(math.MaxInt) {
		return Pointer{}, ErrSizeOverflow
	}
	return h.AllocZero(int(total))
}

// Realloc resizes the allocation at p to at least size bytes. When the
// new size maps to the block's current size class the same pointer comes
// back untouched: class boundaries are the only granularity at which
// in-place resize is possible. Otherwise a new block is allocated,
// min(old usable size, size) bytes are copied, and the old block is
// freed. Realloc on the zero Pointer behaves as Alloc.
func (h *Heap) Realloc(p Pointer, size int) (Pointer, error) {
	if h.closed {
		return Pointer{}, ErrHeapClosed
	}
	if p.IsNil() {
		return h.Alloc(size)
	}
	if size < 0 {
		return Pointer{}, ErrInvalidSize
	}

	s := p.seg
	if s.huge {
		// A huge block resizes in place while the new size still
		// belongs on the huge path and fits the dedicated segment.
		if size > h.table.maxSize && size <= s.hugeSize {
			return p, nil
		}
	} else if h.table.classFor(size) == int(s.pageAt(p.off).class) {
		return p, nil
	}

	np, err := h.Alloc(size)
	if err != nil {
		return Pointer{}, err
	}
	n := min(p.Size(), size)
	copy(np.Bytes()[:n], p.Bytes()[:n])
	h.Free(p)
	return np, nil
}

// Free returns the block at p to the allocator. Blocks in segments this
// heap owns go straight onto their page's free list; blocks owned by
// another heap are pushed onto that segment's deferred-free queue for the
// owner to reclaim; huge blocks release their whole segment immediately.
// Free(Pointer{}) is a no-op. Free stays safe on a closed heap - it
// simply takes the cross-thread path, as the heap no longer owns any
// segment.
//
// Freeing a pointer this engine did not produce, or freeing one twice,
// corrupts the embedded free lists; the engine trusts its caller here and
// only defends in debug mode (see WithDebugChecks).
func (h *Heap) Free(p Pointer) {
	s := p.seg
	if s == nil {
		return
	}
	if s.huge {
		s.pool.releaseHuge(s)
		return
	}
	if s.owner.Load() == h {
		h.freeLocal(s, p.off)
		return
	}
	s.pool.deferFree(s, p.off)
}

func (h *Heap) freeLocal(s *segment, off uint32) {
	pg := s.pageAt(off)
	if h.debug {
		h.checkFree(s, pg, off)
	}
	pg.push(s.data, off)
	if h.debug {
		poison(s.data, off, int(pg.blockSize))
	}
	h.pool.stats.recordFree(int(pg.class), int64(pg.blockSize))
	h.afterBlockFree(pg)
	h.maybeReleaseSegment(s)
}

// Collect drains the deferred-free queues of every owned segment, retires
// pages that became empty, and hands idle segments to the cache or back
// to the region source. force additionally retires empty active pages and
// flushes the segment cache.
func (h *Heap) Collect(force bool) {
	if h.closed {
		return
	}
	h.drainAll()
	if !force {
		return
	}
	for class := range h.active {
		pg := h.active[class]
		if pg != nil && pg.used == 0 {
			s := pg.seg
			h.retirePage(pg)
			h.maybeReleaseSegment(s)
		}
	}
	for len(h.segCache) > 0 {
		n := len(h.segCache) - 1
		s := h.segCache[n]
		h.segCache = h.segCache[:n]
		h.pool.releaseSegment(s)
	}
}

// Close retires the heap gracefully. All reclaimable memory is collected
// and returned; segments still holding live blocks are abandoned to the
// pool, where any other heap may reclaim them once their blocks drain
// away. Pointers allocated from this heap stay valid and freeable.
// Close is idempotent.
func (h *Heap) Close() error {
	if h.closed {
		return nil
	}
	h.Collect(true)
	for _, s := range h.segments {
		s.abandonOwnership()
		h.pool.addAbandoned(s)
		debugLogf("heap %d: abandoned segment with live blocks", h.id)
	}
	h.shutdown()
	return nil
}

// Destroy releases every byte the heap owns in one sweep, including live
// blocks and huge segments it allocated. All pointers into this heap
// become dangling immediately; Destroy is for arena-style teardown where
// the caller knows nothing survives. Statistics record the remaining
// live blocks as freed.
func (h *Heap) Destroy() {
	if h.closed {
		return
	}
	h.drainAll() // apply pending cross-thread frees so live counts are exact
	for _, s := range h.segments {
		for i := 0; i < s.carved; i++ {
			pg := &s.pages[i]
			if pg.class >= 0 && pg.used > 0 {
				h.pool.stats.recordFreeBulk(int(pg.class), int64(pg.used), int64(pg.used)*int64(pg.blockSize))
			}
		}
		h.pool.releaseSegment(s)
	}
	for _, s := range h.segCache {
		h.pool.releaseSegment(s)
	}
	h.pool.destroyHugeOwned(h.id)
	h.shutdown()
}

func (h *Heap) shutdown() {
	h.segments = nil
	h.segCache = nil
	h.active = nil
	h.partial = nil
	h.pool.disownHuge(h.id)
	h.pool.dropHeap(h.id)
	h.closed = true
}

// Contains reports whether p is backed by memory this heap currently
// owns: a block in one of its segments, or a huge block it allocated.
func (h *Heap) Contains(p Pointer) bool {
	s := p.seg
	if s == nil || s.pool != h.pool {
		return false
	}
	if s.huge {
		return h.pool.hugeOwner(s) == h.id
	}
	return s.owner.Load() == h
}

// ---- allocation paths ----

func (h *Heap) allocClass(class int, zero bool) (Pointer, error) {
	if pg := h.active[class]; pg != nil {
		if off, ok := pg.pop(pg.seg.data); ok {
			return h.finishAlloc(pg, off, zero), nil
		}
	}
	return h.allocSlow(class, zero)
}

// allocSlow runs when the active page is missing or exhausted, in cost
// order: promote a parked partial page, reclaim cross-thread frees, carve
// a page from owned segment space, and only then acquire a segment.
func (h *Heap) allocSlow(class int, zero bool) (Pointer, error) {
	if pg := h.popPartial(class); pg != nil {
		h.activate(class, pg)
		off, _ := pg.pop(pg.seg.data)
		return h.finishAlloc(pg, off, zero), nil
	}

	if h.drainAll() > 0 {
		if pg := h.active[class]; pg != nil {
			if off, ok := pg.pop(pg.seg.data); ok {
				return h.finishAlloc(pg, off, zero), nil
			}
		}
		if pg := h.popPartial(class); pg != nil {
			h.activate(class, pg)
			off, _ := pg.pop(pg.seg.data)
			return h.finishAlloc(pg, off, zero), nil
		}
	}

	blockSize := h.table.classes[class].blockSize
	capacity := h.table.classes[class].blocksPerPage
	for _, s := range h.segments {
		if pg := s.takePage(class, blockSize, capacity); pg != nil {
			h.pool.stats.pagesCarved.Add(1)
			h.activate(class, pg)
			off, _ := pg.pop(s.data)
			return h.finishAlloc(pg, off, zero), nil
		}
	}

	s, err := h.acquireSegment()
	if err != nil {
		return Pointer{}, err
	}
	pg := s.takePage(class, blockSize, capacity)
	h.pool.stats.pagesCarved.Add(1)
	h.activate(class, pg)
	off, _ := pg.pop(s.data)
	return h.finishAlloc(pg, off, zero), nil
}

func (h *Heap) finishAlloc(pg *page, off uint32, zero bool) Pointer {
	s := pg.seg
	if zero {
		if pg.zero {
			// Fresh page: only the embedded link word is dirty.
			clear(s.data[off : off+linkSize])
		} else {
			clear(s.data[off : off+uint32(pg.blockSize)])
		}
	} else if h.debug {
		unpoison(s.data, off, int(pg.blockSize))
	}
	h.pool.stats.recordAlloc(int(pg.class), int64(pg.blockSize))
	return Pointer{seg: s, off: off}
}

// popPartial returns the most recently parked page of the class that
// still has capacity. Entries are not removed when a page retires, so
// stale entries are skipped here instead.
func (h *Heap) popPartial(class int) *page {
	q := h.partial[class]
	for n := len(q); n > 0; n = len(q) {
		pg := q[n-1]
		q = q[:n-1]
		h.partial[class] = q
		pg.queued = false
		if pg.class == int32(class) && pg.freeLen > 0 {
			return pg
		}
	}
	return nil
}

// activate installs pg as the class's active page. The page it displaces
// is retired if empty, parked in the partial queue if it kept capacity,
// and left alone (to be re-queued by its next free) if full.
func (h *Heap) activate(class int, pg *page) {
	old := h.active[class]
	if old != nil && old != pg {
		if old.used == 0 {
			s := old.seg
			h.retirePage(old)
			h.maybeReleaseSegment(s)
		} else if old.freeLen > 0 && !old.queued {
			old.queued = true
			h.partial[class] = append(h.partial[class], old)
		}
	}
	h.active[class] = pg
}

// afterBlockFree updates page placement after a block lands on pg's free
// list: empty non-active pages retire, full-to-partial transitions park
// the page for reuse. The active page needs neither.
func (h *Heap) afterBlockFree(pg *page) {
	class := int(pg.class)
	if h.active[class] == pg {
		return
	}
	if pg.used == 0 {
		h.retirePage(pg)
		return
	}
	if !pg.queued {
		pg.queued = true
		h.partial[class] = append(h.partial[class], pg)
	}
}

// retirePage returns a fully free page to its segment for recycling
// under any size class. Stale partial-queue entries are invalidated by
// the class reset rather than removed.
func (h *Heap) retirePage(pg *page) {
	if h.active[pg.class] == pg {
		h.active[pg.class] = nil
	}
	pg.class = -1
	pg.freeHead = 0
	pg.freeLen = 0
	pg.zero = false
	s := pg.seg
	s.freePages = append(s.freePages, pg)
	h.pool.stats.pagesRetired.Add(1)
}

// drainAll empties every owned segment's deferred-free queue into the
// page free lists. Returns the number of blocks reclaimed.
func (h *Heap) drainAll() int {
	if len(h.segments) == 0 {
		return 0
	}
	total := 0
	segs := append([]*segment(nil), h.segments...)
	for _, s := range segs {
		if s.deferred.empty() {
			continue
		}
		n := s.drain(h.afterBlockFree)
		h.pool.stats.deferredDrains.Add(int64(n))
		total += n
		h.maybeReleaseSegment(s)
	}
	return total
}

// maybeReleaseSegment disposes of a segment once every carved page has
// retired: into the heap's cache (decommitted) while there is room, back
// to the region source otherwise.
func (h *Heap) maybeReleaseSegment(s *segment) {
	if !s.idle() {
		return
	}
	if h.debug && !s.deferred.empty() {
		panic("alloc: deferred frees queued on a segment with no live blocks")
	}
	h.removeSegment(s)
	if len(h.segCache) < h.pool.cfg.SegmentCache {
		if err := h.pool.decommitSegment(s); err == nil {
			h.segCache = append(h.segCache, s)
			return
		}
	}
	h.pool.releaseSegment(s)
}

func (h *Heap) removeSegment(s *segment) {
	for i, cur := range h.segments {
		if cur == s {
			last := len(h.segments) - 1
			h.segments[i] = h.segments[last]
			h.segments[last] = nil
			h.segments = h.segments[:last]
			return
		}
	}
}

// acquireSegment obtains a segment for this heap: a reclaimed abandoned
// segment first, then the local cache, then a fresh reservation (which
// carries the single release-idle-and-retry pass on exhaustion).
func (h *Heap) acquireSegment() (*segment, error) {
	if s := h.pool.reclaimAbandoned(h); s != nil {
		h.segments = append(h.segments, s)
		debugLogf("heap %d: reclaimed abandoned segment", h.id)
		return s, nil
	}
	if n := len(h.segCache); n > 0 {
		s := h.segCache[n-1]
		h.segCache = h.segCache[:n-1]
		if err := h.pool.recommitSegment(s); err != nil {
			h.pool.releaseSegment(s)
			return nil, err
		}
		s.setOwner(h)
		h.segments = append(h.segments, s)
		return s, nil
	}
	s, err := h.pool.acquireFresh(h)
	if err != nil {
		return nil, err
	}
	h.segments = append(h.segments, s)
	return s, nil
}

// releaseIdleSegments flushes the heap's segment cache to the region
// source, returning the number of segments given back. Part of the
// out-of-memory recovery pass.
func (h *Heap) releaseIdleSegments() int {
	n := len(h.segCache)
	for _, s := range h.segCache {
		h.pool.releaseSegment(s)
	}
	h.segCache = h.segCache[:0]
	return n
}
