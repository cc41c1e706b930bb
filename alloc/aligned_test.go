package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockAddr(p Pointer) uintptr {
	return uintptr(unsafe.Pointer(&p.Bytes()[0]))
}

// Test_AllocAligned_NaturalAlignment verifies every ordinary allocation
// is 8-byte aligned without asking.
func Test_AllocAligned_NaturalAlignment(t *testing.T) {
	_, h := newTestHeap(t)

	for _, size := range []int{1, 8, 24, 100, 129, 1000, 16384} {
		p, err := h.Alloc(size)
		require.NoError(t, err)
		assert.Zero(t, blockAddr(p)%MinBlockSize, "size %d", size)
		h.Free(p)
	}
}

// Test_AllocAligned_PageServed sweeps every alignment the page grid can
// guarantee and checks the returned addresses.
func Test_AllocAligned_PageServed(t *testing.T) {
	p, h := newTestHeap(t)

	for alignment := 8; alignment <= maxNaturalAlign; alignment *= 2 {
		for _, size := range []int{1, 40, alignment - 1, alignment, alignment + 1, 3000} {
			ptr, err := h.AllocAligned(size, alignment)
			require.NoError(t, err, "size %d align %d", size, alignment)
			assert.Zero(t, blockAddr(ptr)%uintptr(alignment), "size %d align %d", size, alignment)
			assert.GreaterOrEqual(t, ptr.Size(), size)
			h.Free(ptr)
		}
	}

	// Everything above fit in classes; no huge segment should exist.
	assert.Zero(t, p.Stats().HugeAllocs)
}

// Test_AllocAligned_HugeRouting verifies alignments beyond the page grid
// take the dedicated-segment path and still come back aligned.
func Test_AllocAligned_HugeRouting(t *testing.T) {
	p, h := newTestHeap(t)

	for _, alignment := range []int{8192, 1 << 16, 1 << 20} {
		ptr, err := h.AllocAligned(64, alignment)
		require.NoError(t, err, "align %d", alignment)
		assert.Zero(t, blockAddr(ptr)%uintptr(alignment), "align %d", alignment)
		h.Free(ptr)
	}
	assert.Equal(t, int64(3), p.Stats().HugeAllocs)
	assert.Equal(t, int64(3), p.Stats().HugeFrees)
}

// Test_AllocAligned_RoundingRoutesHuge verifies that an alignment above
// the class ceiling routes huge even when the size alone would fit a
// class: rounding the size to the alignment overshoots the table.
func Test_AllocAligned_RoundingRoutesHuge(t *testing.T) {
	p := newSmallPool(t) // 2 KiB ceiling
	h := p.NewHeap()

	ptr, err := h.AllocAligned(1500, 4096)
	require.NoError(t, err)
	assert.Zero(t, blockAddr(ptr)%4096)
	assert.Equal(t, int64(1), p.Stats().HugeAllocs)
	h.Free(ptr)
}

// Test_AllocAligned_Rejections covers the unsupported alignment space.
func Test_AllocAligned_Rejections(t *testing.T) {
	_, h := newTestHeap(t)

	for _, alignment := range []int{0, -8, 3, 24, 100, MaxAlignment * 2} {
		_, err := h.AllocAligned(64, alignment)
		assert.ErrorIs(t, err, ErrAlignmentUnsupported, "align %d", alignment)
	}
}

// Test_AllocAlignedZero verifies the zeroing variant on both routes.
func Test_AllocAlignedZero(t *testing.T) {
	_, h := newTestHeap(t)

	small, err := h.AllocAlignedZero(100, 256)
	require.NoError(t, err)
	assert.Zero(t, blockAddr(small)%256)
	assert.True(t, isAllZero(small.Bytes()))

	// Dirty, free, reallocate aligned-zero: the recycled block must be
	// cleared again.
	for i := range small.Bytes() {
		small.Bytes()[i] = 0xAB
	}
	h.Free(small)

	again, err := h.AllocAlignedZero(100, 256)
	require.NoError(t, err)
	require.True(t, small == again)
	assert.True(t, isAllZero(again.Bytes()))

	big, err := h.AllocAlignedZero(100, 8192)
	require.NoError(t, err)
	assert.Zero(t, blockAddr(big)%8192)
	assert.True(t, isAllZero(big.Bytes()[:100]))

	h.Free(again)
	h.Free(big)
}
