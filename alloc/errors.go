package alloc

import "errors"

var (
	// ErrOutOfMemory indicates the region source refused a reservation,
	// even after the single release-idle-segments-and-retry pass.
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrAlignmentUnsupported indicates an alignment that is not a power
	// of two or exceeds MaxAlignment.
	ErrAlignmentUnsupported = errors.New("alloc: unsupported alignment")

	// ErrSizeOverflow indicates a size computation overflowed, such as
	// count*size in Calloc.
	ErrSizeOverflow = errors.New("alloc: size overflow")

	// ErrInvalidSize indicates a negative allocation size.
	ErrInvalidSize = errors.New("alloc: invalid size")

	// ErrHeapClosed indicates use of a heap after Close or Destroy.
	ErrHeapClosed = errors.New("alloc: heap closed")
)
