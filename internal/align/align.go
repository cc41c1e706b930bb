// Package align provides alignment arithmetic shared by the allocator
// engine and the region source. All helpers require power-of-two
// alignments; callers validate user-supplied values first.
package align

// Up returns n rounded up to the next multiple of a.
// a must be a power of two.
//
// Example:
//
//	Up(1, 8)  = 8
//	Up(8, 8)  = 8
//	Up(9, 8)  = 16
func Up(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// Down returns n rounded down to the previous multiple of a.
// a must be a power of two.
func Down(n, a int) int {
	return n &^ (a - 1)
}

// UpPtr returns p rounded up to the next multiple of a.
// Pointer-width variant for address arithmetic.
func UpPtr(p uintptr, a uintptr) uintptr {
	return (p + a - 1) &^ (a - 1)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
