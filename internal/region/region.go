// Package region abstracts operating-system virtual memory behind a small
// capability interface. The allocator engine obtains coarse memory ranges
// (Regions) from a Source and never touches the OS directly.
//
// A Region moves through four states: reserved (address space only),
// committed (usable bytes), decommitted (contents discarded, may be
// recommitted), and released (gone). Sources guarantee that committed bytes
// read as zero until first written after the commit; the engine's
// zero-initialization fast path relies on this.
//
// Implementations must serialize their own internal state; a single Source
// is shared by every heap in a pool and is called from arbitrary goroutines.
package region

import (
	"errors"
	"unsafe"

	"github.com/pagemill/segheap/internal/align"
)

var (
	// ErrExhausted indicates the source cannot satisfy a reservation,
	// either because the OS refused or a configured budget ran out.
	ErrExhausted = errors.New("region: address space exhausted")

	// ErrRange indicates a commit or decommit range outside the region.
	ErrRange = errors.New("region: range out of bounds")
)

// Source hands out Regions and manages their commit state.
type Source interface {
	// Reserve obtains a region of at least min bytes, rounded up to the
	// source's granularity. The returned region is not yet committed.
	Reserve(min int) (*Region, error)

	// Commit makes [off, off+length) of the region usable. Both off and
	// length must be multiples of the source's granularity. Freshly
	// committed bytes read as zero.
	Commit(r *Region, off, length int) error

	// Decommit returns [off, off+length) to the OS. The range's contents
	// are discarded; it must be committed again before reuse.
	Decommit(r *Region, off, length int) error

	// Release returns the whole region to the OS. The region's bytes
	// must not be touched afterwards.
	Release(r *Region) error

	// Granularity returns the commit granularity in bytes (a power of
	// two, at least the OS page size).
	Granularity() int
}

// Region is a contiguous reserved address range. The byte slice spans the
// entire reservation; only committed sub-ranges may be read or written.
type Region struct {
	data []byte
}

// Bytes returns the full reserved span.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the reservation length in bytes.
func (r *Region) Size() int { return len(r.data) }

// AlignedOffset returns the smallest offset whose address is aligned to a.
// a must be a power of two no larger than the region size.
func (r *Region) AlignedOffset(a int) int {
	if len(r.data) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&r.data[0]))
	return int(align.UpPtr(base, uintptr(a)) - base)
}

// checkRange validates a commit/decommit range against the region.
func (r *Region) checkRange(off, length int) error {
	if off < 0 || length < 0 || off+length > len(r.data) {
		return ErrRange
	}
	return nil
}
