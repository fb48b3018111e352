package layout

import "math/bits"

// Alignment utilities. Every alignment passed here must be a power of two.

// AlignUp returns n rounded up to the next multiple of alignment.
//
// Example:
//
//	AlignUp(1, 16)    = 16
//	AlignUp(16, 16)   = 16
//	AlignUp(4097, 4096) = 8192
func AlignUp(n, alignment uintptr) uintptr {
	return (n + alignment - 1) &^ (alignment - 1)
}

// AlignDown returns n rounded down to a multiple of alignment.
func AlignDown(n, alignment uintptr) uintptr {
	return n &^ (alignment - 1)
}

// IsAligned reports whether n is a multiple of alignment.
func IsAligned(n, alignment uintptr) bool {
	return n&(alignment-1) == 0
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n. NextPowerOfTwo(0) is 1.
func NextPowerOfTwo(n uintptr) uintptr {
	if n <= 1 {
		return 1
	}
	return 1 << (bits.UintSize - bits.LeadingZeros(uint(n-1)))
}

// Log2 returns floor(log2(n)) for n > 0.
func Log2(n uintptr) int {
	return bits.UintSize - 1 - bits.LeadingZeros(uint(n))
}

// AlignSystemPage rounds n up to a system page boundary.
func AlignSystemPage(n uintptr) uintptr {
	return AlignUp(n, SystemPageSize)
}

// AlignSlot rounds n up to the slot alignment.
func AlignSlot(n uintptr) uintptr {
	return AlignUp(n, SlotAlignment)
}
