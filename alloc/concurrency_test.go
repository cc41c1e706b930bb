package alloc

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Test_CrossThreadFree_DrainAndReuse is the canonical ownership-transfer
// scenario: one goroutine allocates, another frees half the blocks, and
// the allocating goroutine's next run of allocations reuses the freed
// addresses without touching the region source.
func Test_CrossThreadFree_DrainAndReuse(t *testing.T) {
	p := newSmallPool(t)
	ha := p.NewHeap()
	hb := p.NewHeap()

	ptrs := allocN(t, ha, 1000, 16)
	require.Equal(t, int64(1), p.Stats().SegmentsAcquired, "1000 x 16B fit one segment")

	// Thread B frees the first half. hb does not own the segment, so
	// every free lands on the deferred queue.
	freed := make(map[Pointer]bool, 500)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, ptr := range ptrs[:500] {
			hb.Free(ptr)
		}
	}()
	wg.Wait()

	for _, ptr := range ptrs[:500] {
		freed[ptr] = true
	}
	st := p.Stats()
	require.Equal(t, int64(500), st.DeferredPushes)
	require.Zero(t, st.DeferredDrains, "owner has not drained yet")

	// Thread A allocates 500 more. The active page's fresh tail covers
	// the first few; the rest must come from drained and recycled
	// blocks, not from new memory.
	reused := 0
	for i := 0; i < 500; i++ {
		ptr, err := ha.Alloc(16)
		require.NoError(t, err)
		if freed[ptr] {
			reused++
		}
	}

	st = p.Stats()
	assert.Equal(t, int64(1), st.SegmentsAcquired, "no new segment")
	assert.Equal(t, int64(500), st.DeferredDrains)
	assert.GreaterOrEqual(t, reused, 400, "drained blocks are reused")
	assert.Equal(t, int64(1000*16), st.LiveBytes)
	require.NoError(t, p.CheckInvariants())
}

// Test_CrossThreadFree_ManyProducers verifies the deferred queues under
// concurrent producers and checks the books balance after one drain.
func Test_CrossThreadFree_ManyProducers(t *testing.T) {
	p := newSmallPool(t)
	h := p.NewHeap()

	const (
		producers = 8
		perProd   = 500
		total     = producers * perProd
	)
	ptrs := allocN(t, h, total, 32)
	require.Equal(t, int64(8), p.Stats().SegmentsAcquired)

	var g errgroup.Group
	for w := 0; w < producers; w++ {
		part := ptrs[w*perProd : (w+1)*perProd]
		g.Go(func() error {
			for _, ptr := range part {
				p.Free(ptr)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := p.Stats()
	require.Equal(t, int64(total), st.DeferredPushes)
	require.Zero(t, st.LiveBytes, "frees are accounted when pushed")

	h.Collect(false)

	st = p.Stats()
	assert.Equal(t, int64(total), st.DeferredDrains)
	assert.Equal(t, st.Allocs, st.Frees)
	// Draining empties seven segments; the one holding the active page
	// survives, two park in the cache, the rest go back to the source.
	assert.Equal(t, int64(5), st.SegmentsReleased)
	assert.Equal(t, int64(3*(16<<10)), st.ReservedBytes)
	require.NoError(t, p.CheckInvariants())
}

// Test_ConcurrentHeaps_Churn runs independent heaps in parallel with a
// shared free-anything goroutine, then checks every byte is accounted
// for. Sizes straddle the class ceiling so the huge path sees traffic
// too.
func Test_ConcurrentHeaps_Churn(t *testing.T) {
	if testing.Short() {
		t.Skip("churn test is slow")
	}

	p := newSmallPool(t)

	const (
		workers = 8
		iters   = 2000
		window  = 64
	)
	heaps := make([]*Heap, workers)
	for i := range heaps {
		heaps[i] = p.NewHeap()
	}

	crossFrees := make(chan Pointer, 256)
	var freer errgroup.Group
	freer.Go(func() error {
		for ptr := range crossFrees {
			p.Free(ptr)
		}
		return nil
	})

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		h := heaps[w]
		seed := int64(w + 1)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			live := make([]Pointer, 0, window)
			for i := 0; i < iters; i++ {
				ptr, err := h.Alloc(1 + rng.Intn(3000))
				if err != nil {
					return err
				}
				if i%3 == 0 {
					crossFrees <- ptr
				} else {
					live = append(live, ptr)
				}
				if len(live) > window {
					h.Free(live[0])
					live = live[1:]
				}
			}
			for _, ptr := range live {
				h.Free(ptr)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(crossFrees)
	require.NoError(t, freer.Wait())

	for _, h := range heaps {
		h.Collect(false)
	}

	st := p.Stats()
	assert.Zero(t, st.LiveBytes)
	assert.Equal(t, st.Allocs, st.Frees)
	assert.Positive(t, st.HugeAllocs, "some sizes crossed the ceiling")
	assert.Positive(t, st.DeferredDrains)
	require.NoError(t, p.CheckInvariants())
}

// Test_CrossThreadFree_LiveAccounting verifies the free-time accounting
// rule: live bytes drop when the free is pushed, not when the owner
// drains.
func Test_CrossThreadFree_LiveAccounting(t *testing.T) {
	p := newSmallPool(t)
	ha := p.NewHeap()
	hb := p.NewHeap()

	ptr, err := ha.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, int64(64), p.Stats().LiveBytes)

	hb.Free(ptr)
	st := p.Stats()
	assert.Zero(t, st.LiveBytes, "accounted at push time")
	assert.Equal(t, int64(1), st.DeferredPushes)
	assert.Zero(t, st.DeferredDrains)

	ha.Collect(false)
	st = p.Stats()
	assert.Zero(t, st.LiveBytes)
	assert.Equal(t, int64(1), st.DeferredDrains)
}
