package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagemill/segheap/internal/region"
)

// ============================================================================
// Test Helpers
// ============================================================================

// testClasses is a shrunken size-class table whose ceiling fits a 4 KiB
// page, so tests can drive page and segment churn with little memory.
var testClasses = SizeClassConfig{
	Name:           "Test",
	SmallMin:       8,
	SmallMax:       128,
	SmallIncrement: 8,
	MediumMax:      2048,
	GrowthSteps:    8,
}

// newTestPool builds a pool on the in-memory region source with the given
// extra options and closes it when the test ends.
func newTestPool(t testing.TB, opts ...Option) *Pool {
	t.Helper()
	base := []Option{WithRegionSource(region.NewMemSource())}
	p, err := NewPool(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// newSmallPool builds a pool with tiny geometry: 16 KiB segments of four
// 4 KiB pages and the shrunken class table. Page and segment lifecycle
// tests fit in a few kilobytes this way.
func newSmallPool(t testing.TB, opts ...Option) *Pool {
	t.Helper()
	base := []Option{
		WithSegmentSize(16 << 10),
		WithPageSize(4 << 10),
		WithSizeClasses(testClasses),
	}
	return newTestPool(t, append(base, opts...)...)
}

// newTestHeap is newTestPool plus one heap.
func newTestHeap(t testing.TB, opts ...Option) (*Pool, *Heap) {
	t.Helper()
	p := newTestPool(t, opts...)
	return p, p.NewHeap()
}

// allocN allocates n blocks of the given size and fails the test on any
// error.
func allocN(t testing.TB, h *Heap, n, size int) []Pointer {
	t.Helper()
	ptrs := make([]Pointer, n)
	for i := range ptrs {
		p, err := h.Alloc(size)
		require.NoError(t, err)
		ptrs[i] = p
	}
	return ptrs
}

// requireQuiescedLive drains the heap and checks the pool's live-byte
// counter against want. Only meaningful when no other goroutine is
// touching the pool.
func requireQuiescedLive(t testing.TB, p *Pool, h *Heap, want int64) {
	t.Helper()
	if h != nil {
		h.Collect(false)
	}
	require.Equal(t, want, p.Stats().LiveBytes)
}
