package alloc

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Runtime debug trace - controlled by the SEGHEAP_LOG environment variable.
// Trace lines go to stderr; the library never logs otherwise.
var logAlloc = os.Getenv("SEGHEAP_LOG") != ""

// debugEnv turns on debug free checking for every pool in the process,
// equivalent to passing WithDebugChecks(true) everywhere.
var debugEnv = os.Getenv("SEGHEAP_DEBUG") != ""

const (
	// poisonByte fills freed blocks in debug mode. A block whose bytes
	// beyond the link word already carry the poison pattern at free time
	// is treated as a double free.
	poisonByte = 0xDF

	// poisonProbe is how many poison bytes are checked/written past the
	// link word. Kept small so debug mode stays usable under load.
	poisonProbe = 8
)

// debugLogf prints a trace line when SEGHEAP_LOG is set.
func debugLogf(format string, args ...any) {
	if logAlloc {
		fmt.Fprintf(os.Stderr, "[SEGHEAP] "+format+"\n", args...)
	}
}

// checkFree validates a block being freed on its owner's fast path.
// Violations panic: continuing after a double free risks silent
// corruption of the embedded free lists.
func (h *Heap) checkFree(s *segment, pg *page, off uint32) {
	if pg.class < 0 {
		panic(fmt.Sprintf("alloc: free %d bytes into retired page (segment off %#x)", pg.blockSize, off))
	}
	rel := off - pg.startOff
	if off < pg.startOff || rel >= uint32(pg.capacity)*uint32(pg.blockSize) {
		panic(fmt.Sprintf("alloc: free offset %#x outside page [%#x, %#x)",
			off, pg.startOff, pg.startOff+uint32(pg.capacity)*uint32(pg.blockSize)))
	}
	if rel%uint32(pg.blockSize) != 0 {
		panic(fmt.Sprintf("alloc: free offset %#x not on a %d-byte block boundary", off, pg.blockSize))
	}
	// Free-list membership walk. O(free list length), debug mode only.
	enc := pg.freeHead
	for enc != 0 {
		cur := pg.startOff + (enc-1)*uint32(pg.blockSize)
		if cur == off {
			panic(fmt.Sprintf("alloc: double free of block %#x (already on free list)", off))
		}
		enc = binary.LittleEndian.Uint32(s.data[cur : cur+linkSize])
	}
}

// checkDeferredFree is the best-effort variant for cross-thread frees,
// where walking the owner's free list is not permitted. It relies on the
// poison pattern written by poison().
func checkDeferredFree(s *segment, pg *page, off uint32) {
	rel := off - pg.startOff
	if off < pg.startOff || rel >= uint32(pg.capacity)*uint32(pg.blockSize) || rel%uint32(pg.blockSize) != 0 {
		panic(fmt.Sprintf("alloc: deferred free of invalid offset %#x (block size %d)", off, pg.blockSize))
	}
	if isPoisoned(s.data, off, int(pg.blockSize)) {
		panic(fmt.Sprintf("alloc: suspected double free of block %#x (poison intact)", off))
	}
}

// poison stamps a freed block past its link word. Alloc unpoisons by
// handing the block out; user data that happens to match the pattern can
// false-positive, which is acceptable for a debug facility.
func poison(data []byte, off uint32, blockSize int) {
	n := blockSize - linkSize
	if n > poisonProbe {
		n = poisonProbe
	}
	for i := 0; i < n; i++ {
		data[int(off)+linkSize+i] = poisonByte
	}
}

// unpoison clears the probe window when a freed block is handed out
// again, so the block's next free is not mistaken for a double free.
func unpoison(data []byte, off uint32, blockSize int) {
	n := blockSize - linkSize
	if n > poisonProbe {
		n = poisonProbe
	}
	for i := 0; i < n; i++ {
		data[int(off)+linkSize+i] = 0
	}
}

// isPoisoned reports whether the probe window still carries the poison
// pattern. A block no larger than its link word has no window and never
// matches.
func isPoisoned(data []byte, off uint32, blockSize int) bool {
	n := blockSize - linkSize
	if n > poisonProbe {
		n = poisonProbe
	}
	if n <= 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if data[int(off)+linkSize+i] != poisonByte {
			return false
		}
	}
	return true
}
