package alloc

import "github.com/pagemill/segheap/internal/region"

// The huge path serves requests above the size-class ceiling and requests
// whose alignment exceeds what the page grid can guarantee. Each huge
// block gets a dedicated segment sized to the request, registered in the
// pool so any goroutine can free it; freeing releases the whole segment
// back to the region source immediately. The deferred queue is never
// involved: a huge block has no neighbours, so there is no owner to race
// with.

func (h *Heap) allocHuge(size, alignment int, zero bool) (Pointer, error) {
	if size <= 0 {
		// Reachable via over-aligned zero-size requests; hand out a
		// minimal distinct block.
		size = 1
	}
	reserve := size
	if alignment > h.pool.source.Granularity() {
		// Region bases are only granularity-aligned; over-reserve so an
		// aligned offset inside the region always exists.
		reserve = size + alignment
		if reserve < size {
			return Pointer{}, ErrSizeOverflow
		}
	}
	r, err := h.pool.reserveCommitted(h, reserve)
	if err != nil {
		return Pointer{}, err
	}
	s := newHugeSegment(h.pool, r, alignment)
	h.pool.registerHuge(s, h.id)
	h.pool.stats.segAcquired.Add(1)
	h.pool.stats.recordHugeAlloc(int64(s.hugeSize))
	debugLogf("heap %d: huge alloc %d bytes (reserved %d, align %d)", h.id, size, r.Size(), alignment)
	// Freshly committed regions read as zero, so zero requests need no
	// extra work on this path.
	return Pointer{seg: s, off: s.hugeOff}, nil
}

func newHugeSegment(p *Pool, r *region.Region, alignment int) *segment {
	s := &segment{
		pool:      p,
		region:    r,
		data:      r.Bytes(),
		size:      r.Size(),
		committed: true,
		huge:      true,
	}
	if alignment > 0 {
		s.hugeOff = uint32(r.AlignedOffset(alignment))
	}
	s.hugeSize = s.size - int(s.hugeOff)
	return s
}

// ---- pool-side huge registry ----

func (p *Pool) registerHuge(s *segment, heapID uint64) {
	p.mu.Lock()
	p.huge[s] = heapID
	p.mu.Unlock()
}

// releaseHuge frees a huge block from any goroutine. Unregistered
// segments mean a double free; that is a caller bug, surfaced as a panic
// in debug mode and ignored otherwise to avoid releasing a region twice.
func (p *Pool) releaseHuge(s *segment) {
	p.mu.Lock()
	_, ok := p.huge[s]
	if ok {
		delete(p.huge, s)
	}
	p.mu.Unlock()
	if !ok {
		if p.cfg.DebugChecks {
			panic("alloc: double free of huge block")
		}
		return
	}
	p.stats.recordHugeFree(int64(s.hugeSize))
	p.releaseSegment(s)
}

// hugeOwner returns the id of the heap that allocated s, or zero when
// that heap has since closed.
func (p *Pool) hugeOwner(s *segment) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.huge[s]
}

// disownHuge clears heap ownership tags when a heap closes. The blocks
// stay live and freeable; they simply no longer belong to any heap.
func (p *Pool) disownHuge(heapID uint64) {
	p.mu.Lock()
	for s, id := range p.huge {
		if id == heapID {
			p.huge[s] = 0
		}
	}
	p.mu.Unlock()
}

// hugeOwned snapshots the huge segments currently tagged with heapID.
func (p *Pool) hugeOwned(heapID uint64) []*segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	var owned []*segment
	for s, id := range p.huge {
		if id == heapID {
			owned = append(owned, s)
		}
	}
	return owned
}

// destroyHugeOwned releases every huge block the given heap allocated,
// recording the blocks as freed. Part of Heap.Destroy.
func (p *Pool) destroyHugeOwned(heapID uint64) {
	p.mu.Lock()
	var owned []*segment
	for s, id := range p.huge {
		if id == heapID {
			owned = append(owned, s)
			delete(p.huge, s)
		}
	}
	p.mu.Unlock()
	for _, s := range owned {
		p.stats.recordHugeFree(int64(s.hugeSize))
		p.releaseSegment(s)
	}
}
