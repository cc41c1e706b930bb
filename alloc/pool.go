package alloc

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pagemill/segheap/internal/region"
)

// Pool owns everything a family of heaps shares: the region source, the
// size-class table, the abandoned-segment list, the huge-block registry
// and the statistics. There is no package-level state; programs may run
// several pools side by side with fully independent memory.
//
// Pool methods are safe for concurrent use. The mutex only guards the
// registries (heaps, abandoned segments, huge blocks); allocation and
// free hot paths never take it.
type Pool struct {
	cfg    Config
	table  *sizeClassTable
	source region.Source
	stats  Stats

	mu        sync.Mutex
	heaps     map[uint64]*Heap
	nextID    uint64
	abandoned []*segment
	huge      map[*segment]uint64 // huge segment -> allocating heap id
	closed    bool
}

// NewPool builds a pool from the production defaults overlaid with the
// given options.
func NewPool(opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Source == nil {
		cfg.Source = region.OS()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	table, err := newSizeClassTable(cfg.SizeClasses, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:    cfg,
		table:  table,
		source: cfg.Source,
		heaps:  make(map[uint64]*Heap),
		huge:   make(map[*segment]uint64),
	}
	p.stats.perClass = make([]classCounters, table.numClasses)
	debugLogf("pool: %s classes (%d), segment %d, page %d", table, table.numClasses, cfg.SegmentSize, cfg.PageSize)
	return p, nil
}

// NewHeap registers a heap under the next free id. The returned heap's
// allocation methods are single-owner; see the package documentation.
// Panics if the pool is closed.
func (p *Pool) NewHeap() *Heap {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		panic("alloc: NewHeap on closed pool")
	}
	p.nextID++
	h := newHeap(p, p.nextID)
	p.heaps[h.id] = h
	return h
}

// GetHeap returns the heap registered under id. With create set, a
// missing heap is created on the spot, letting callers key heaps by their
// own identifiers (worker index, connection id). Returns nil when the
// heap does not exist and create is false, when id is zero, or when the
// pool is closed.
func (p *Pool) GetHeap(id uint64, create bool) *Heap {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.heaps[id]; ok {
		return h
	}
	if !create || id == 0 || p.closed {
		return nil
	}
	h := newHeap(p, id)
	p.heaps[id] = h
	if id > p.nextID {
		p.nextID = id
	}
	return h
}

// Free releases a block from any goroutine, without needing the owning
// heap in hand. Page blocks take the deferred cross-thread path; huge
// blocks release immediately. Safe for pointers from any pool: the block
// is routed to the pool that produced it.
func (p *Pool) Free(ptr Pointer) {
	s := ptr.seg
	if s == nil {
		return
	}
	if s.huge {
		s.pool.releaseHuge(s)
		return
	}
	s.pool.deferFree(s, ptr.off)
}

// Owns reports whether ptr was allocated by this pool.
func (p *Pool) Owns(ptr Pointer) bool {
	return ptr.seg != nil && ptr.seg.pool == p
}

// Stats returns a point-in-time snapshot of the pool counters.
func (p *Pool) Stats() Snapshot {
	return p.stats.snapshot(p.table)
}

// NumSizeClasses reports how many size classes the pool's table defines.
func (p *Pool) NumSizeClasses() int {
	return p.table.numClasses
}

// Close tears the pool down: every open heap closes (in parallel), and
// whatever remains - abandoned segments and unfreed huge blocks - goes
// back to the region source. Blocks still live at Close are deliberately
// not recorded as freed, so a final Stats snapshot exposes leaks.
// Callers must stop all allocator traffic first. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	open := make([]*Heap, 0, len(p.heaps))
	for _, h := range p.heaps {
		open = append(open, h)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, h := range open {
		h := h
		g.Go(func() error { return h.Close() })
	}
	err := g.Wait()

	p.mu.Lock()
	abandoned := p.abandoned
	p.abandoned = nil
	huge := p.huge
	p.huge = make(map[*segment]uint64)
	p.heaps = make(map[uint64]*Heap)
	p.mu.Unlock()

	for _, s := range abandoned {
		p.releaseSegment(s)
	}
	for s := range huge {
		p.releaseSegment(s)
	}
	return err
}

// deferFree pushes a block onto its segment's deferred queue on behalf of
// a non-owning goroutine. Page metadata reads here are safe: class and
// block size are fixed from the moment a page is carved until its last
// block is freed, and a legal free implies the block (hence the page) is
// live.
func (p *Pool) deferFree(s *segment, off uint32) {
	pg := s.pageAt(off)
	if p.cfg.DebugChecks {
		checkDeferredFree(s, pg, off)
	}
	// Account before publishing: once the push lands, the owner may
	// drain and hand the block out again immediately.
	p.stats.recordFree(int(pg.class), int64(pg.blockSize))
	p.stats.deferredPushes.Add(1)
	if p.cfg.DebugChecks {
		poison(s.data, off, int(pg.blockSize))
	}
	s.deferred.push(s.data, off)
}

func (p *Pool) dropHeap(id uint64) {
	p.mu.Lock()
	delete(p.heaps, id)
	p.mu.Unlock()
}

// ---- segment services ----

// acquireFresh reserves and commits a new page segment for h.
func (p *Pool) acquireFresh(h *Heap) (*segment, error) {
	r, err := p.reserveCommitted(h, p.cfg.SegmentSize)
	if err != nil {
		return nil, err
	}
	s := newSegment(p, r, p.cfg.PageSize)
	s.setOwner(h)
	p.stats.segAcquired.Add(1)
	return s, nil
}

// reserveCommitted obtains a committed region of at least bytes. On
// exhaustion it releases idle memory - the requesting heap's segment
// cache and any fully free abandoned segments - and retries exactly once
// before reporting ErrOutOfMemory.
func (p *Pool) reserveCommitted(h *Heap, bytes int) (*region.Region, error) {
	r, err := p.tryReserveCommitted(bytes)
	if err == nil {
		return r, nil
	}
	released := 0
	if h != nil {
		released += h.releaseIdleSegments()
	}
	released += p.releaseIdleAbandoned()
	debugLogf("reserve of %d bytes failed (%v); released %d idle segments, retrying", bytes, err, released)
	r, err = p.tryReserveCommitted(bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return r, nil
}

func (p *Pool) tryReserveCommitted(bytes int) (*region.Region, error) {
	r, err := p.source.Reserve(bytes)
	if err != nil {
		return nil, err
	}
	if err := p.source.Commit(r, 0, r.Size()); err != nil {
		_ = p.source.Release(r)
		return nil, err
	}
	p.stats.reserved.Add(int64(r.Size()))
	p.stats.committed.Add(int64(r.Size()))
	return r, nil
}

// decommitSegment returns a cached segment's physical memory to the OS
// while keeping its address reservation.
func (p *Pool) decommitSegment(s *segment) error {
	if err := p.source.Decommit(s.region, 0, s.size); err != nil {
		return err
	}
	s.committed = false
	s.reset(false)
	p.stats.committed.Add(-int64(s.size))
	return nil
}

// recommitSegment makes a decommitted cached segment usable again. The
// recommitted span reads as zero.
func (p *Pool) recommitSegment(s *segment) error {
	if err := p.source.Commit(s.region, 0, s.size); err != nil {
		return err
	}
	s.committed = true
	s.dirty = false
	p.stats.committed.Add(int64(s.size))
	return nil
}

// releaseSegment gives a segment's region back to the source. Handles
// both committed and cached (decommitted) segments.
func (p *Pool) releaseSegment(s *segment) {
	if s.committed {
		p.stats.committed.Add(-int64(s.size))
		s.committed = false
	}
	p.stats.reserved.Add(-int64(s.size))
	p.stats.segReleased.Add(1)
	if err := p.source.Release(s.region); err != nil {
		debugLogf("region release failed: %v", err)
	}
	s.data = nil
}

// ---- abandoned segments ----

func (p *Pool) addAbandoned(s *segment) {
	p.mu.Lock()
	p.abandoned = append(p.abandoned, s)
	p.mu.Unlock()
}

func (p *Pool) removeAbandoned(s *segment) {
	p.mu.Lock()
	for i, cur := range p.abandoned {
		if cur == s {
			last := len(p.abandoned) - 1
			p.abandoned[i] = p.abandoned[last]
			p.abandoned[last] = nil
			p.abandoned = p.abandoned[:last]
			break
		}
	}
	p.mu.Unlock()
}

// reclaimAbandoned tries to adopt an abandoned segment for h. Each
// candidate is claimed with a state CAS so concurrent reclaimers never
// touch the same segment, its deferred queue is drained, and it is
// adopted only if that leaves no live blocks. Segments that still hold
// live blocks stay abandoned for a later attempt.
func (p *Pool) reclaimAbandoned(h *Heap) *segment {
	p.mu.Lock()
	if len(p.abandoned) == 0 {
		p.mu.Unlock()
		return nil
	}
	candidates := append([]*segment(nil), p.abandoned...)
	p.mu.Unlock()

	for _, s := range candidates {
		if !s.tryBeginReclaim() {
			continue
		}
		n := s.drain(nil)
		p.stats.deferredDrains.Add(int64(n))
		if s.fullyFree() {
			p.removeAbandoned(s)
			s.reset(true)
			s.endReclaim(h)
			return s
		}
		s.endReclaim(nil)
	}
	return nil
}

// releaseIdleAbandoned releases abandoned segments whose blocks have all
// drained away. Part of the out-of-memory recovery pass.
func (p *Pool) releaseIdleAbandoned() int {
	p.mu.Lock()
	candidates := append([]*segment(nil), p.abandoned...)
	p.mu.Unlock()

	released := 0
	for _, s := range candidates {
		if !s.tryBeginReclaim() {
			continue
		}
		n := s.drain(nil)
		p.stats.deferredDrains.Add(int64(n))
		if s.fullyFree() {
			p.removeAbandoned(s)
			p.releaseSegment(s)
			released++
			continue
		}
		s.endReclaim(nil)
	}
	return released
}
