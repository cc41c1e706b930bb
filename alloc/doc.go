// Package alloc implements a segmented, size-class heap allocator with
// per-owner heaps and lock-free cross-thread freeing.
//
// # Overview
//
// This package manages large memory spans obtained from a region source
// (OS virtual memory by default) and serves small and medium allocations
// out of them in O(1), using free lists embedded in the free blocks
// themselves. The design keeps every hot-path data structure single-owner
// so allocation and local freeing never touch a lock or an atomic
// counter beyond statistics.
//
// # Architecture
//
// Memory is organized in three tiers:
//
//   - Segment: a coarse span (4 MiB by default) reserved from the region
//     source, carved on demand into pages. Owned by one heap at a time.
//   - Page: a fixed slab (64 KiB by default) holding equally sized blocks
//     of a single size class, with an embedded free list.
//   - Block: the unit handed to callers, at least 8 bytes, naturally
//     8-byte aligned.
//
// A Pool ties the tiers together and registers the heaps. Each Heap is an
// independent allocation context - typically one per goroutine or per
// subsystem - holding an active page per size class plus queues of
// partial pages to draw from.
//
// # Usage Example
//
//	pool, err := alloc.NewPool()
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	heap := pool.NewHeap()
//	p, err := heap.Alloc(240)
//	if err != nil {
//	    return err
//	}
//
//	buf := p.Bytes() // at least 240 bytes, naturally aligned
//	copy(buf, payload)
//
//	heap.Free(p)
//
// # Size Classes
//
// Requests are rounded up to canonical block sizes: linear 8-byte steps
// through 128 bytes, then geometric steps (a configurable fraction of
// each power of two) up to the 16 KiB ceiling. The default Balanced table
// bounds internal fragmentation at ~12.5%; FineGrained and Coarse tables
// trade table size against waste. Requests above the ceiling take the
// huge path: a dedicated segment per block, released in full on free.
//
// # Cross-Thread Frees
//
// Only the owning heap mutates a page's free list. A free arriving from
// any other goroutine is pushed onto the segment's deferred queue - a
// lock-free stack threaded through the freed blocks - and reclaimed in
// batch when the owner next runs out of blocks, or on Heap.Collect. A
// block freed on the wrong heap is therefore never lost, just briefly
// deferred.
//
// # Heap Lifecycle
//
// Heap.Close returns reclaimable memory and abandons segments that still
// hold live blocks; other heaps adopt those segments once their blocks
// drain away, so long-lived blocks may outlive their allocating heap.
// Heap.Destroy instead releases everything the heap owns at once,
// invalidating all its pointers - arena-style teardown.
//
// # Alignment
//
// Every block is 8-byte aligned. AllocAligned serves powers of two up to
// the OS page size from regular pages by rounding the size so the class
// block grid lands on the alignment; stronger alignments (up to 16 MiB)
// come from the huge path at an aligned offset in a dedicated segment.
//
// # Thread Safety
//
// Pool methods are safe for concurrent use. A Heap is single-owner: its
// methods must be serialized by the caller. The one sanctioned
// cross-thread operation is freeing - Pool.Free, or Heap.Free on blocks
// another heap owns - which takes the deferred path.
//
// # Debugging
//
// WithDebugChecks (or the SEGHEAP_DEBUG environment variable) enables
// invalid-free and double-free detection plus freed-block poisoning, at
// some cost to the free path. SEGHEAP_LOG traces segment traffic to
// stderr. CheckInvariants validates free-list bookkeeping on demand.
package alloc
