package mem

import "math/bits"

// AddOverflowSafe adds a and b, returning ok = false when the result wraps.
func AddOverflowSafe(a, b uintptr) (uintptr, bool) {
	sum, carry := bits.Add(uint(a), uint(b), 0)
	return uintptr(sum), carry == 0
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result wraps.
// Used for count * elementSize requests such as calloc.
func MulOverflowSafe(a, b uintptr) (uintptr, bool) {
	hi, lo := bits.Mul(uint(a), uint(b))
	return uintptr(lo), hi == 0
}
