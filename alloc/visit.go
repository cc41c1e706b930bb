package alloc

import "encoding/binary"

// Area describes the page a visited block lives in. Huge blocks have no
// page; they report Class -1 and a capacity of one.
type Area struct {
	Class     int // size class index, -1 for huge blocks
	BlockSize int // bytes per block
	Capacity  int // blocks the page holds
	Used      int // blocks currently live
}

// Visitor receives one live block per call during Heap.Visit. Returning
// false stops the walk. The Pointer is valid like any other live
// allocation; the visitor must not free it during the walk.
type Visitor func(area Area, p Pointer) bool

// Visit walks every live block in the heap's segments, page by page,
// then every huge block the heap owns. Deferred queues are drained first
// so blocks freed cross-thread before the call are not reported; blocks
// freed concurrently during the walk may still appear. Liveness is
// computed per page by marking the free list, so the walk is O(blocks).
// Returns false when the visitor stopped early.
//
// Visit runs on the owner's schedule like any other heap method and must
// not race with the heap's own Alloc/Free calls.
func (h *Heap) Visit(v Visitor) bool {
	if h.closed {
		return true
	}
	h.drainAll()
	for _, s := range h.segments {
		for i := 0; i < s.carved; i++ {
			pg := &s.pages[i]
			if pg.class < 0 || pg.used == 0 {
				continue
			}
			if !visitPage(s, pg, v) {
				return false
			}
		}
	}
	// Huge blocks live outside the page grid; walk them last, in no
	// particular order.
	for _, s := range h.pool.hugeOwned(h.id) {
		area := Area{Class: -1, BlockSize: s.hugeSize, Capacity: 1, Used: 1}
		if !v(area, Pointer{seg: s, off: s.hugeOff}) {
			return false
		}
	}
	return true
}

func visitPage(s *segment, pg *page, v Visitor) bool {
	free := make([]bool, pg.capacity)
	for enc := pg.freeHead; enc != 0; {
		idx := enc - 1
		free[idx] = true
		off := pg.startOff + idx*uint32(pg.blockSize)
		enc = binary.LittleEndian.Uint32(s.data[off : off+linkSize])
	}
	area := Area{
		Class:     int(pg.class),
		BlockSize: int(pg.blockSize),
		Capacity:  int(pg.capacity),
		Used:      int(pg.used),
	}
	for i := uint32(0); i < uint32(pg.capacity); i++ {
		if free[i] {
			continue
		}
		if !v(area, Pointer{seg: s, off: pg.startOff + i*uint32(pg.blockSize)}) {
			return false
		}
	}
	return true
}
