package region

import (
	"fmt"
	"sync"

	"github.com/pagemill/segheap/internal/align"
)

// memGranularity matches the common OS page size so engine layouts behave
// identically under the in-memory source and the real one.
const memGranularity = 4096

// memSource is a Go-heap-backed Source. It exists for tests, for the
// build-tag fallback, and for embedding the engine where raw virtual
// memory control is unavailable. Reserved regions are fully usable Go
// slices; Decommit zeroes the range to preserve the zero-on-commit
// contract.
type memSource struct{}

// NewMemSource returns a Source backed by ordinary Go allocations.
func NewMemSource() Source {
	return &memSource{}
}

func (s *memSource) Granularity() int { return memGranularity }

func (s *memSource) Reserve(min int) (*Region, error) {
	if min <= 0 {
		min = memGranularity
	}
	n := align.Up(min, memGranularity)
	// Over-reserve so the region base can be granularity-aligned, matching
	// mmap. The engine's alignment guarantees assume page-aligned bases.
	buf := make([]byte, n+memGranularity)
	r := &Region{data: buf}
	off := r.AlignedOffset(memGranularity)
	r.data = buf[off : off+n : off+n]
	return r, nil
}

func (s *memSource) Commit(r *Region, off, length int) error {
	return r.checkRange(off, length)
}

func (s *memSource) Decommit(r *Region, off, length int) error {
	if err := r.checkRange(off, length); err != nil {
		return err
	}
	clear(r.data[off : off+length])
	return nil
}

func (s *memSource) Release(r *Region) error {
	r.data = nil
	return nil
}

// limitSource caps the total bytes a wrapped source may have reserved at
// once. Used to provoke out-of-memory paths deterministically.
type limitSource struct {
	Source

	mu   sync.Mutex
	left int
}

// Limit wraps src so that reservations beyond maxBytes outstanding fail
// with ErrExhausted. Released regions refund their reservation.
func Limit(src Source, maxBytes int) Source {
	return &limitSource{Source: src, left: maxBytes}
}

func (l *limitSource) Reserve(min int) (*Region, error) {
	if min <= 0 {
		min = l.Granularity()
	}
	n := align.Up(min, l.Granularity())

	l.mu.Lock()
	if n > l.left {
		short := n - l.left
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: budget %d bytes short for %d-byte reservation", ErrExhausted, short, n)
	}
	l.left -= n
	l.mu.Unlock()

	r, err := l.Source.Reserve(n)
	if err != nil {
		l.mu.Lock()
		l.left += n
		l.mu.Unlock()
		return nil, err
	}
	return r, nil
}

func (l *limitSource) Release(r *Region) error {
	n := r.Size()
	err := l.Source.Release(r)
	l.mu.Lock()
	l.left += n
	l.mu.Unlock()
	return err
}
