package alloc_test

import (
	"fmt"

	"github.com/pagemill/segheap/alloc"
)

// Example shows the basic allocate/use/free cycle.
func Example() {
	pool, err := alloc.NewPool()
	if err != nil {
		fmt.Println(err)
		return
	}
	defer pool.Close()

	heap := pool.NewHeap()
	defer heap.Close()

	ptr, err := heap.Alloc(100)
	if err != nil {
		fmt.Println(err)
		return
	}
	buf := ptr.Bytes()
	copy(buf, "hello")

	// Requests are rounded up to the block size of their class.
	fmt.Println(len(buf))

	heap.Free(ptr)
	// Output: 104
}

// ExampleHeap_AllocAligned allocates a block whose address is a multiple
// of a cache line.
func ExampleHeap_AllocAligned() {
	pool, _ := alloc.NewPool()
	defer pool.Close()
	heap := pool.NewHeap()
	defer heap.Close()

	ptr, err := heap.AllocAligned(100, 64)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(ptr.Size())
	heap.Free(ptr)
	// Output: 128
}

// ExampleHeap_Realloc grows a block while keeping its contents.
func ExampleHeap_Realloc() {
	pool, _ := alloc.NewPool()
	defer pool.Close()
	heap := pool.NewHeap()
	defer heap.Close()

	ptr, _ := heap.Alloc(16)
	copy(ptr.Bytes(), "abc")

	moved, err := heap.Realloc(ptr, 4096)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(moved.Bytes()[:3]))
	heap.Free(moved)
	// Output: abc
}

// ExampleHeap_Visit counts the live blocks of a heap.
func ExampleHeap_Visit() {
	pool, _ := alloc.NewPool()
	defer pool.Close()
	heap := pool.NewHeap()
	defer heap.Close()

	for i := 0; i < 3; i++ {
		if _, err := heap.Alloc(32); err != nil {
			fmt.Println(err)
			return
		}
	}

	live := 0
	heap.Visit(func(area alloc.Area, p alloc.Pointer) bool {
		live++
		return true
	})
	fmt.Println(live)
	// Output: 3
}

// ExamplePool_GetHeap keys heaps by caller-chosen ids, creating them on
// first use. The usual pattern maps worker ids to heaps.
func ExamplePool_GetHeap() {
	pool, _ := alloc.NewPool()
	defer pool.Close()

	a := pool.GetHeap(1, true)
	b := pool.GetHeap(1, false)
	fmt.Println(a == b)
	// Output: true
}

// ExampleNewPool builds a pool with a custom geometry and class table.
func ExampleNewPool() {
	pool, err := alloc.NewPool(
		alloc.WithSegmentSize(8<<20),
		alloc.WithSizeClasses(alloc.ConfigFineGrained),
	)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer pool.Close()

	fmt.Println(pool.NumSizeClasses())
	// Output: 128
}
