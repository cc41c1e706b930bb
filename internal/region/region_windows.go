//go:build windows

package region

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/pagemill/segheap/internal/align"
)

// winPageSize is the commit granularity on Windows. VirtualAlloc aligns
// reservation bases to the 64 KiB allocation granularity on its own.
const winPageSize = 4096

// osSource reserves with VirtualAlloc(MEM_RESERVE) and commits sub-ranges
// with MEM_COMMIT, mirroring the unix PROT_NONE/mprotect discipline.
type osSource struct{}

// OS returns the platform region source.
func OS() Source {
	return &osSource{}
}

func (s *osSource) Granularity() int { return winPageSize }

func (s *osSource) Reserve(min int) (*Region, error) {
	if min <= 0 {
		min = winPageSize
	}
	n := align.Up(min, winPageSize)
	addr, err := windows.VirtualAlloc(0, uintptr(n), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, fmt.Errorf("%w: VirtualAlloc reserve %d bytes: %v", ErrExhausted, n, err)
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	return &Region{data: data}, nil
}

func (s *osSource) Commit(r *Region, off, length int) error {
	if err := r.checkRange(off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&r.data[off]))
	if _, err := windows.VirtualAlloc(addr, uintptr(length), windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		return fmt.Errorf("%w: VirtualAlloc commit: %v", ErrExhausted, err)
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
	addr := uintptr(unsafe.Pointer(&r.data[off]))
	if err := windows.VirtualFree(addr, uintptr(length), windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("region: VirtualFree decommit: %w", err)
	}
	return nil
}

func (s *osSource) Release(r *Region) error {
	if r.data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&r.data[0]))
	r.data = nil
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("region: VirtualFree release: %w", err)
	}
	return nil
}
