package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_Huge_AllocFree covers the dedicated-segment path above the class
// ceiling.
func Test_Huge_AllocFree(t *testing.T) {
	p, h := newTestHeap(t)

	size := 3 << 20 // comfortably past the 16 KiB ceiling
	ptr, err := h.Alloc(size)
	require.NoError(t, err)
	require.GreaterOrEqual(t, ptr.Size(), size)

	// The whole span is writable.
	buf := ptr.Bytes()
	buf[0], buf[size-1] = 0xAA, 0xBB

	st := p.Stats()
	assert.Equal(t, int64(1), st.HugeAllocs)
	assert.Equal(t, int64(ptr.Size()), st.LiveBytes)
	assert.True(t, h.Contains(ptr))

	h.Free(ptr)
	st = p.Stats()
	assert.Equal(t, int64(1), st.HugeFrees)
	assert.Zero(t, st.LiveBytes)
	assert.Zero(t, st.ReservedBytes, "huge frees release the segment outright")
}

// Test_Huge_PatternRoundTrip writes a pattern across a whole huge span
// and checks blocks allocated before and after it keep their guard
// values, through the write and through the free.
func Test_Huge_PatternRoundTrip(t *testing.T) {
	p := newSmallPool(t)
	h := p.NewHeap()

	before := allocN(t, h, 8, 64)
	for _, g := range before {
		stampBlock(g, 0xA5)
	}

	huge, err := h.Alloc(100 << 10)
	require.NoError(t, err)

	after := allocN(t, h, 8, 64)
	for _, g := range after {
		stampBlock(g, 0x5A)
	}

	span := huge.Bytes()
	for i := range span {
		span[i] = byte(i*31 + 7)
	}
	for i := range span {
		if span[i] != byte(i*31+7) {
			t.Fatalf("byte %d read back as 0x%02X", i, span[i])
		}
	}

	checkFill := func() {
		t.Helper()
		for _, g := range before {
			for _, b := range g.Bytes() {
				require.Equal(t, byte(0xA5), b)
			}
		}
		for _, g := range after {
			for _, b := range g.Bytes() {
				require.Equal(t, byte(0x5A), b)
			}
		}
	}
	checkFill()

	h.Free(huge)
	checkFill()
	require.NoError(t, h.CheckInvariants())

	for _, g := range before {
		h.Free(g)
	}
	for _, g := range after {
		h.Free(g)
	}
	requireQuiescedLive(t, p, h, 0)
}

// Test_Huge_FreeFromOtherGoroutine verifies huge blocks release
// immediately from any goroutine, no deferred queue involved.
func Test_Huge_FreeFromOtherGoroutine(t *testing.T) {
	p, h := newTestHeap(t)

	ptr, err := h.Alloc(64 << 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Free(ptr)
	}()
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, int64(1), st.HugeFrees)
	assert.Zero(t, st.DeferredPushes)
	assert.Zero(t, st.LiveBytes)
}

// Test_Huge_ReallocInPlace verifies resizes within the dedicated segment
// keep the pointer, and crossing the ceiling in either direction moves.
func Test_Huge_ReallocInPlace(t *testing.T) {
	_, h := newTestHeap(t)

	ptr, err := h.Alloc(100 << 10)
	require.NoError(t, err)
	copy(ptr.Bytes(), "huge payload")
	span := ptr.Size()

	// Shrinking within the huge range is free.
	q, err := h.Realloc(ptr, 80<<10)
	require.NoError(t, err)
	assert.True(t, ptr == q)

	// Growing within the already reserved span is too.
	q, err = h.Realloc(ptr, span)
	require.NoError(t, err)
	assert.True(t, ptr == q)

	// Growing past the span moves.
	big, err := h.Realloc(ptr, span+1)
	require.NoError(t, err)
	require.False(t, ptr == big)
	assert.Equal(t, []byte("huge payload"), big.Bytes()[:12])

	// Dropping under the ceiling moves to a page block.
	small, err := h.Realloc(big, 1000)
	require.NoError(t, err)
	require.False(t, big == small)
	assert.Equal(t, []byte("huge payload"), small.Bytes()[:12])
	assert.Less(t, small.Size(), 16<<10)

	h.Free(small)
	requireQuiescedLive(t, h.pool, h, 0)
}

// Test_Huge_SmallToHugeRealloc verifies the upward crossing copies the
// full old block.
func Test_Huge_SmallToHugeRealloc(t *testing.T) {
	_, h := newTestHeap(t)

	ptr, err := h.Alloc(512)
	require.NoError(t, err)
	buf := ptr.Bytes()
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	big, err := h.Realloc(ptr, 1<<20)
	require.NoError(t, err)
	require.False(t, ptr == big)
	for i := 0; i < 512; i++ {
		require.Equal(t, byte(i%251), big.Bytes()[i], "byte %d", i)
	}
	h.Free(big)
}

// Test_Huge_DoubleFreePanicsInDebug verifies the registry catches a
// second release of the same block in debug mode.
func Test_Huge_DoubleFreePanicsInDebug(t *testing.T) {
	p, h := newTestHeap(t, WithDebugChecks(true))

	ptr, err := h.Alloc(200 << 10)
	require.NoError(t, err)
	h.Free(ptr)

	assert.Panics(t, func() { p.Free(ptr) })
}

// Test_Huge_SurvivesHeapClose verifies huge blocks outlive their heap
// and remain freeable through the pool.
func Test_Huge_SurvivesHeapClose(t *testing.T) {
	p, h := newTestHeap(t)

	ptr, err := h.Alloc(1 << 20)
	require.NoError(t, err)
	copy(ptr.Bytes(), "still here")

	require.NoError(t, h.Close())
	assert.Equal(t, []byte("still here"), ptr.Bytes()[:10])
	assert.False(t, h.Contains(ptr), "closed heap owns nothing")

	p.Free(ptr)
	assert.Zero(t, p.Stats().LiveBytes)
	assert.Zero(t, p.Stats().ReservedBytes)
}
