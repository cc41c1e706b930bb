package alloc

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Stats aggregates pool-wide counters. All updates are relaxed atomic
// increments on the allocate/free hot paths; readers get a possibly stale
// but internally plausible view. Peak tracking uses a compare-and-swap
// loop so concurrent allocations never lose a high-water mark.
type Stats struct {
	reserved  atomic.Int64 // bytes reserved from the region source
	committed atomic.Int64 // bytes currently committed
	live      atomic.Int64 // bytes in live allocations
	peak      atomic.Int64 // high-water mark of live
	allocs    atomic.Int64
	frees     atomic.Int64

	segAcquired    atomic.Int64
	segReleased    atomic.Int64
	pagesCarved    atomic.Int64
	pagesRetired   atomic.Int64
	deferredPushes atomic.Int64
	deferredDrains atomic.Int64 // blocks recovered from deferred queues
	hugeAllocs     atomic.Int64
	hugeFrees      atomic.Int64

	perClass []classCounters
}

// classCounters tracks per-size-class traffic. Live count is derived as
// allocs-frees to keep the hot path at two counter touches.
type classCounters struct {
	allocs atomic.Int64
	frees  atomic.Int64
}

func (s *Stats) recordAlloc(class int, bytes int64) {
	s.allocs.Add(1)
	s.perClass[class].allocs.Add(1)
	s.addLive(bytes)
}

func (s *Stats) recordFree(class int, bytes int64) {
	s.frees.Add(1)
	s.perClass[class].frees.Add(1)
	s.live.Add(-bytes)
}

// recordFreeBulk accounts count blocks of one class freed at once, as
// when Destroy sweeps pages that still hold live blocks.
func (s *Stats) recordFreeBulk(class int, count, bytes int64) {
	s.frees.Add(count)
	s.perClass[class].frees.Add(count)
	s.live.Add(-bytes)
}

func (s *Stats) recordHugeAlloc(bytes int64) {
	s.allocs.Add(1)
	s.hugeAllocs.Add(1)
	s.addLive(bytes)
}

func (s *Stats) recordHugeFree(bytes int64) {
	s.frees.Add(1)
	s.hugeFrees.Add(1)
	s.live.Add(-bytes)
}

// addLive bumps live bytes and ratchets the peak.
func (s *Stats) addLive(bytes int64) {
	now := s.live.Add(bytes)
	for {
		peak := s.peak.Load()
		if now <= peak || s.peak.CompareAndSwap(peak, now) {
			return
		}
	}
}

// ClassCount reports one size class's traffic in a Snapshot.
type ClassCount struct {
	BlockSize int
	Allocs    int64
	Frees     int64
	Live      int64
}

// Snapshot is a point-in-time copy of the pool counters. Values read
// under concurrent activity may be mildly inconsistent with one another;
// a quiesced pool reports exact numbers.
type Snapshot struct {
	ReservedBytes  int64
	CommittedBytes int64
	LiveBytes      int64
	PeakLiveBytes  int64
	Allocs         int64
	Frees          int64

	SegmentsAcquired int64
	SegmentsReleased int64
	PagesCarved      int64
	PagesRetired     int64
	DeferredPushes   int64
	DeferredDrains   int64
	HugeAllocs       int64
	HugeFrees        int64

	PerClass []ClassCount
}

// snapshot copies the live counters.
func (s *Stats) snapshot(table *sizeClassTable) Snapshot {
	snap := Snapshot{
		ReservedBytes:  s.reserved.Load(),
		CommittedBytes: s.committed.Load(),
		LiveBytes:      s.live.Load(),
		PeakLiveBytes:  s.peak.Load(),
		Allocs:         s.allocs.Load(),
		Frees:          s.frees.Load(),

		SegmentsAcquired: s.segAcquired.Load(),
		SegmentsReleased: s.segReleased.Load(),
		PagesCarved:      s.pagesCarved.Load(),
		PagesRetired:     s.pagesRetired.Load(),
		DeferredPushes:   s.deferredPushes.Load(),
		DeferredDrains:   s.deferredDrains.Load(),
		HugeAllocs:       s.hugeAllocs.Load(),
		HugeFrees:        s.hugeFrees.Load(),

		PerClass: make([]ClassCount, len(s.perClass)),
	}
	for i := range s.perClass {
		a := s.perClass[i].allocs.Load()
		f := s.perClass[i].frees.Load()
		snap.PerClass[i] = ClassCount{
			BlockSize: table.blockSize(i),
			Allocs:    a,
			Frees:     f,
			Live:      a - f,
		}
	}
	return snap
}

// WriteTo renders a human-readable report, one stanza per concern.
// Size-class lines are emitted only for classes that saw traffic.
func (s Snapshot) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "=== HEAP STATISTICS ===\n")
	fmt.Fprintf(&b, "Reserved:        %s\n", humanize.IBytes(clampU64(s.ReservedBytes)))
	fmt.Fprintf(&b, "Committed:       %s\n", humanize.IBytes(clampU64(s.CommittedBytes)))
	fmt.Fprintf(&b, "Live:            %s (peak %s)\n",
		humanize.IBytes(clampU64(s.LiveBytes)), humanize.IBytes(clampU64(s.PeakLiveBytes)))
	fmt.Fprintf(&b, "Allocs:          %s (huge: %s)\n",
		humanize.Comma(s.Allocs), humanize.Comma(s.HugeAllocs))
	fmt.Fprintf(&b, "Frees:           %s (huge: %s)\n",
		humanize.Comma(s.Frees), humanize.Comma(s.HugeFrees))
	fmt.Fprintf(&b, "Segments:        %d acquired, %d released\n", s.SegmentsAcquired, s.SegmentsReleased)
	fmt.Fprintf(&b, "Pages:           %d carved, %d retired\n", s.PagesCarved, s.PagesRetired)
	fmt.Fprintf(&b, "Deferred frees:  %d pushed, %d drained\n", s.DeferredPushes, s.DeferredDrains)

	header := false
	for _, c := range s.PerClass {
		if c.Allocs == 0 {
			continue
		}
		if !header {
			fmt.Fprintf(&b, "\nSize classes with traffic:\n")
			header = true
		}
		fmt.Fprintf(&b, "  %8s  allocs %-10d frees %-10d live %d\n",
			humanize.IBytes(uint64(c.BlockSize)), c.Allocs, c.Frees, c.Live)
	}
	fmt.Fprintf(&b, "=======================\n")

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// String renders the report as a string.
func (s Snapshot) String() string {
	var b strings.Builder
	_, _ = s.WriteTo(&b)
	return b.String()
}

func clampU64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
