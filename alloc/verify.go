package alloc

import (
	"encoding/binary"
	"fmt"
)

// InvariantError reports a broken bookkeeping invariant found by
// CheckInvariants.
type InvariantError struct {
	Kind    string
	Message string
	Offset  int // byte offset within the segment, -1 when not applicable
}

func (e *InvariantError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("alloc: %s at offset 0x%X: %s", e.Kind, e.Offset, e.Message)
	}
	return fmt.Sprintf("alloc: %s: %s", e.Kind, e.Message)
}

// CheckInvariants validates the free-list bookkeeping of every page the
// heap owns. Returns the first violation found, or nil. The heap must be
// quiescent: concurrent allocator traffic makes the counters legitimately
// inconsistent mid-operation. Intended for tests and debugging; the walk
// is O(blocks).
//
// Checked per carved page:
//   - used + free-list length == capacity
//   - every free-list entry lies inside the page on a block boundary
//   - no block appears on a free list twice
func (h *Heap) CheckInvariants() error {
	for _, s := range h.segments {
		if err := checkSegment(s); err != nil {
			return err
		}
	}
	return nil
}

// CheckInvariants validates every heap registered with the pool plus the
// abandoned segments. Same quiescence contract as Heap.CheckInvariants.
func (p *Pool) CheckInvariants() error {
	p.mu.Lock()
	heaps := make([]*Heap, 0, len(p.heaps))
	for _, h := range p.heaps {
		heaps = append(heaps, h)
	}
	abandoned := append([]*segment(nil), p.abandoned...)
	p.mu.Unlock()

	for _, h := range heaps {
		if err := h.CheckInvariants(); err != nil {
			return err
		}
	}
	for _, s := range abandoned {
		if err := checkSegment(s); err != nil {
			return err
		}
	}
	return nil
}

func checkSegment(s *segment) error {
	if s.carved > len(s.pages) {
		return &InvariantError{
			Kind:    "segment-accounting",
			Message: fmt.Sprintf("carved %d exceeds page count %d", s.carved, len(s.pages)),
			Offset:  -1,
		}
	}
	retired := 0
	for i := 0; i < s.carved; i++ {
		pg := &s.pages[i]
		if pg.class < 0 {
			retired++
			continue
		}
		if err := checkPage(s, pg); err != nil {
			return err
		}
	}
	if retired != len(s.freePages) {
		return &InvariantError{
			Kind:    "segment-accounting",
			Message: fmt.Sprintf("%d retired pages but %d in the recycle list", retired, len(s.freePages)),
			Offset:  -1,
		}
	}
	return nil
}

func checkPage(s *segment, pg *page) error {
	if pg.used+pg.freeLen != pg.capacity {
		return &InvariantError{
			Kind: "page-accounting",
			Message: fmt.Sprintf("used %d + free %d != capacity %d (class %d, block %d)",
				pg.used, pg.freeLen, pg.capacity, pg.class, pg.blockSize),
			Offset: int(pg.startOff),
		}
	}

	seen := make(map[uint32]struct{}, pg.freeLen)
	length := int32(0)
	for enc := pg.freeHead; enc != 0; {
		idx := enc - 1
		if idx >= uint32(pg.capacity) {
			return &InvariantError{
				Kind:    "free-list-range",
				Message: fmt.Sprintf("encoded index %d outside page capacity %d", idx, pg.capacity),
				Offset:  int(pg.startOff),
			}
		}
		if _, dup := seen[idx]; dup {
			off := pg.startOff + idx*uint32(pg.blockSize)
			return &InvariantError{
				Kind:    "free-list-cycle",
				Message: fmt.Sprintf("block %d linked twice", idx),
				Offset:  int(off),
			}
		}
		seen[idx] = struct{}{}
		length++
		off := pg.startOff + idx*uint32(pg.blockSize)
		enc = binary.LittleEndian.Uint32(s.data[off : off+linkSize])
	}
	if length != pg.freeLen {
		return &InvariantError{
			Kind:    "free-list-length",
			Message: fmt.Sprintf("list holds %d blocks, counter says %d", length, pg.freeLen),
			Offset:  int(pg.startOff),
		}
	}
	return nil
}
