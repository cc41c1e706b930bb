//go:build !unix && !windows

package region

// OS returns a heap-backed source on platforms without virtual-memory
// control. Reservation degrades to allocation; commit state is emulated.
func OS() Source {
	return NewMemSource()
}
