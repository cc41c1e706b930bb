//go:build unix

package region

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/pagemill/segheap/internal/align"
)

// osSource reserves address space with anonymous PROT_NONE mappings and
// commits by flipping protection. Decommit drops the pages with
// MADV_DONTNEED so a later commit observes zero-filled memory again.
type osSource struct {
	pageSize int
}

// OS returns the platform region source.
func OS() Source {
	return &osSource{pageSize: os.Getpagesize()}
}

func (s *osSource) Granularity() int { return s.pageSize }

func (s *osSource) Reserve(min int) (*Region, error) {
	if min <= 0 {
		min = s.pageSize
	}
	n := align.Up(min, s.pageSize)
	data, err := unix.Mmap(-1, 0, n, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrExhausted, n, err)
	}
	return &Region{data: data}, nil
}

func (s *osSource) Commit(r *Region, off, length int) error {
	if err := r.checkRange(off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := unix.Mprotect(r.data[off:off+length], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: mprotect commit: %v", ErrExhausted, err)
	}
	return nil
}

func (s *osSource) Decommit(r *Region, off, length int) error {
	if err := r.checkRange(off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	// Drop the pages first so the next commit reads zeroes, then remove
	// access so stray touches of decommitted memory fault early.
	if err := unix.Madvise(r.data[off:off+length], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("region: madvise: %w", err)
	}
	if err := unix.Mprotect(r.data[off:off+length], unix.PROT_NONE); err != nil {
		return fmt.Errorf("region: mprotect decommit: %w", err)
	}
	return nil
}

func (s *osSource) Release(r *Region) error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("region: munmap: %w", err)
	}
	return nil
}
