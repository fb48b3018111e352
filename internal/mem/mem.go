// Package mem provides raw load/store helpers over off-heap memory addressed
// by uintptr, plus overflow-safe size arithmetic.
//
// Every address passed here must point into memory the allocator mapped
// itself. The Go garbage collector never sees that memory, so converting
// between uintptr and unsafe.Pointer is stable for the lifetime of the mapping.
package mem

import (
	"sync/atomic"
	"unsafe"
)

// Ptr converts an off-heap address to an unsafe.Pointer.
//
//go:nocheckptr
func Ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // off-heap address
}

// Bytes returns a slice aliasing n bytes at addr.
func Bytes(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(Ptr(addr)), n)
}

// Words returns a slice aliasing n uintptr-sized words at addr.
func Words(addr, n uintptr) []uintptr {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uintptr)(Ptr(addr)), n)
}

func LoadU8(addr uintptr) uint8         { return *(*uint8)(Ptr(addr)) }
func StoreU8(addr uintptr, v uint8)     { *(*uint8)(Ptr(addr)) = v }
func LoadU16(addr uintptr) uint16       { return *(*uint16)(Ptr(addr)) }
func StoreU16(addr uintptr, v uint16)   { *(*uint16)(Ptr(addr)) = v }
func LoadU32(addr uintptr) uint32       { return *(*uint32)(Ptr(addr)) }
func StoreU32(addr uintptr, v uint32)   { *(*uint32)(Ptr(addr)) = v }
func LoadU64(addr uintptr) uint64       { return *(*uint64)(Ptr(addr)) }
func StoreU64(addr uintptr, v uint64)   { *(*uint64)(Ptr(addr)) = v }
func LoadWord(addr uintptr) uintptr     { return *(*uintptr)(Ptr(addr)) }
func StoreWord(addr uintptr, v uintptr) { *(*uintptr)(Ptr(addr)) = v }

// Atomic views. addr must be naturally aligned for the width.

func AtomicU32(addr uintptr) *atomic.Uint32 { return (*atomic.Uint32)(Ptr(addr)) }
func AtomicU64(addr uintptr) *atomic.Uint64 { return (*atomic.Uint64)(Ptr(addr)) }

// Zero clears n bytes at addr.
func Zero(addr, n uintptr) {
	clear(Bytes(addr, n))
}

// Fill sets n bytes at addr to b.
func Fill(addr, n uintptr, b byte) {
	buf := Bytes(addr, n)
	for i := range buf {
		buf[i] = b
	}
}

// Copy moves n bytes from src to dst. The ranges may overlap.
func Copy(dst, src, n uintptr) {
	copy(Bytes(dst, n), Bytes(src, n))
}
