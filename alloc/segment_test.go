package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemill/segheap/internal/region"
)

// rawSegment reserves a small committed span and wraps it in a segment,
// bypassing the pool. Good enough for page-level unit tests; nothing here
// touches pool state.
func rawSegment(t *testing.T, segSize, pageSize int) *segment {
	t.Helper()
	src := region.NewMemSource()
	r, err := src.Reserve(segSize)
	require.NoError(t, err)
	require.NoError(t, src.Commit(r, 0, r.Size()))
	return newSegment(nil, r, pageSize)
}

// Test_Page_PopAscending verifies that a freshly carved page hands out
// blocks in ascending address order. Deterministic first-touch order is
// what makes allocation traces reproducible.
func Test_Page_PopAscending(t *testing.T) {
	s := rawSegment(t, 16<<10, 4<<10)
	pg := s.takePage(0, 64, 64)
	require.NotNil(t, pg)

	var prev uint32
	for i := 0; i < int(pg.capacity); i++ {
		off, ok := pg.pop(s.data)
		require.True(t, ok)
		if i > 0 {
			assert.Equal(t, prev+64, off)
		}
		prev = off
	}
	_, ok := pg.pop(s.data)
	assert.False(t, ok, "page should be exhausted")
	assert.Equal(t, pg.capacity, pg.used)
	assert.Zero(t, pg.freeLen)
}

// Test_Page_PushPopLIFO verifies the free list is last-in first-out, so a
// just-freed (cache-warm) block is the next one handed out.
func Test_Page_PushPopLIFO(t *testing.T) {
	s := rawSegment(t, 16<<10, 4<<10)
	pg := s.takePage(0, 64, 64)
	require.NotNil(t, pg)

	a, _ := pg.pop(s.data)
	b, _ := pg.pop(s.data)
	c, _ := pg.pop(s.data)

	pg.push(s.data, b)
	pg.push(s.data, a)

	got1, _ := pg.pop(s.data)
	got2, _ := pg.pop(s.data)
	assert.Equal(t, a, got1)
	assert.Equal(t, b, got2)
	_ = c
}

// Test_Segment_CarveAndRecycle verifies takePage carves pages in order,
// reports exhaustion, and prefers retired pages over fresh space.
func Test_Segment_CarveAndRecycle(t *testing.T) {
	s := rawSegment(t, 16<<10, 4<<10)

	var pages []*page
	for i := 0; i < 4; i++ {
		pg := s.takePage(1, 128, 32)
		require.NotNil(t, pg)
		assert.Equal(t, uint32(i*4096), pg.startOff)
		pages = append(pages, pg)
	}
	assert.Nil(t, s.takePage(1, 128, 32), "segment fully carved")

	// Retire page 2, then ask for a different class: the retired slab is
	// reused under the new geometry.
	pages[2].class = -1
	s.freePages = append(s.freePages, pages[2])
	pg := s.takePage(5, 512, 8)
	require.NotNil(t, pg)
	assert.Same(t, pages[2], pg)
	assert.Equal(t, int32(5), pg.class)
	assert.Equal(t, int32(8), pg.capacity)
	assert.False(t, pg.zero, "recycled spans hold stale bytes")
}

// Test_Segment_IdleAndFullyFree pins down the difference between the two
// emptiness predicates: idle means every carved page was retired,
// fullyFree only that no live block remains.
func Test_Segment_IdleAndFullyFree(t *testing.T) {
	s := rawSegment(t, 16<<10, 4<<10)
	assert.True(t, s.idle(), "nothing carved yet")
	assert.True(t, s.fullyFree())

	pg := s.takePage(0, 64, 64)
	assert.False(t, s.idle())
	assert.True(t, s.fullyFree(), "carved but no block live")

	off, _ := pg.pop(s.data)
	assert.False(t, s.fullyFree())

	pg.push(s.data, off)
	assert.True(t, s.fullyFree())
	assert.False(t, s.idle(), "page is free but not retired")

	pg.class = -1
	s.freePages = append(s.freePages, pg)
	assert.True(t, s.idle())
}

// Test_Segment_DrainAppliesToPages verifies that draining the deferred
// queue pushes each block onto its own page's free list and reports the
// count, with the per-page callback seeing every block.
func Test_Segment_DrainAppliesToPages(t *testing.T) {
	s := rawSegment(t, 16<<10, 4<<10)
	pg0 := s.takePage(0, 64, 64)
	pg1 := s.takePage(0, 64, 64)

	a, _ := pg0.pop(s.data)
	b, _ := pg1.pop(s.data)
	c, _ := pg0.pop(s.data)

	s.deferred.push(s.data, a)
	s.deferred.push(s.data, b)
	s.deferred.push(s.data, c)

	seen := map[*page]int{}
	n := s.drain(func(pg *page) { seen[pg]++ })
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, seen[pg0])
	assert.Equal(t, 1, seen[pg1])
	assert.Zero(t, pg0.used)
	assert.Zero(t, pg1.used)
	assert.True(t, s.deferred.empty())
	assert.Zero(t, s.drain(nil), "second drain finds nothing")
}

// Test_Segment_OwnershipStateMachine walks Owned -> Abandoned ->
// Reclaiming and both exits.
func Test_Segment_OwnershipStateMachine(t *testing.T) {
	s := rawSegment(t, 16<<10, 4<<10)
	h := &Heap{}

	s.setOwner(h)
	assert.Same(t, h, s.owner.Load())
	assert.False(t, s.tryBeginReclaim(), "owned segments cannot be claimed")

	s.abandonOwnership()
	assert.Nil(t, s.owner.Load())

	require.True(t, s.tryBeginReclaim())
	assert.False(t, s.tryBeginReclaim(), "claim must be exclusive")

	// Loser path: still has live blocks, goes back to the pool.
	s.endReclaim(nil)
	require.True(t, s.tryBeginReclaim(), "abandoned again after failed reclaim")

	// Winner path: adopted.
	h2 := &Heap{}
	s.endReclaim(h2)
	assert.Same(t, h2, s.owner.Load())
	assert.False(t, s.tryBeginReclaim())
}

// Test_Segment_ResetClearsPages verifies adoption reset: every page back
// to uncarved, dirty flag recorded.
func Test_Segment_ResetClearsPages(t *testing.T) {
	s := rawSegment(t, 16<<10, 4<<10)
	pg := s.takePage(3, 256, 16)
	pg.pop(s.data)

	s.reset(true)
	assert.Zero(t, s.carved)
	assert.Empty(t, s.freePages)
	assert.True(t, s.dirty)

	// Carving after a dirty reset must not claim the zero fast path.
	pg = s.takePage(0, 64, 64)
	assert.False(t, pg.zero)
}
