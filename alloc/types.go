package alloc

// Engine geometry defaults. Segments are carved into fixed-size pages; a
// page holds equally sized blocks of one size class. Requests above the
// size-class ceiling bypass pages entirely (see huge.go).
const (
	// DefaultSegmentSize is the span acquired from the region source for
	// each segment.
	DefaultSegmentSize = 4 << 20

	// DefaultPageSize is the slab carved out of a segment for one size
	// class.
	DefaultPageSize = 64 << 10

	// MinBlockSize is the smallest block the engine hands out. Free-list
	// and deferred-queue links are stored in the first linkSize bytes of
	// a free block, so blocks can never be smaller.
	MinBlockSize = 8

	// MaxAlignment is the largest alignment request the engine accepts.
	MaxAlignment = 1 << 24

	// maxNaturalAlign is the strongest alignment page-resident blocks can
	// guarantee: segment bases are only page-aligned, so anything above
	// the OS page size routes to the huge path.
	maxNaturalAlign = 4096

	// linkSize is the width of an embedded free-list link.
	linkSize = 4

	// maxSegmentSize keeps in-segment offsets within uint32.
	maxSegmentSize = 1 << 30
)

// Segment ownership states. Transitions are guarded by atomic
// compare-and-swap: Owned -> Abandoned (heap close), Abandoned ->
// Reclaiming (a candidate heap drains the deferred queue), Reclaiming ->
// Owned (adoption) or back to Abandoned.
const (
	segOwned int32 = iota + 1
	segAbandoned
	segReclaiming
)

// Pointer is a handle to one allocated block. It carries the owning
// segment, so deallocation reaches segment metadata in O(1) without any
// side-table lookup. The zero Pointer is nil: Free on it is a no-op.
//
// Pointers are values; copying one does not duplicate the allocation.
type Pointer struct {
	seg *segment
	off uint32
}

// IsNil reports whether p is the zero Pointer.
func (p Pointer) IsNil() bool { return p.seg == nil }

// Size returns the usable size of the block in bytes. It is at least the
// size requested at allocation; for page-resident blocks it is the size
// class's block size.
func (p Pointer) Size() int {
	switch {
	case p.seg == nil:
		return 0
	case p.seg.huge:
		return p.seg.hugeSize
	default:
		return int(p.seg.pageAt(p.off).blockSize)
	}
}

// Bytes returns the block's usable bytes. The slice is capacity-capped so
// an append cannot spill into a neighbouring block.
func (p Pointer) Bytes() []byte {
	if p.seg == nil {
		return nil
	}
	off, n := int(p.off), p.Size()
	return p.seg.data[off : off+n : off+n]
}
