// Package rawptr wraps allocator addresses in a pointer type whose behavior
// is picked at compile time: a plain address (NoOp), a generation-tag check on
// every dereference (MTEChecked), a reference that keeps freed memory
// quarantined (BackupRef), or a pointer whose operations call test hooks
// (Hookable).
//
// A Ptr owns its wrapped value. Copies made with plain assignment skip
// Duplicate; use Copy when the implementation counts references.
//
//	p := rawptr.New[node, rawptr.MTEChecked](root.Alloc(nodeSize))
//	p.Get().next = 0    // checks the tag
//	root.Free(p.Addr())
//	p.Get()             // crashes once the slot is reused
package rawptr

import (
	"unsafe"

	"github.com/joshuapare/pakit/internal/mem"
)

// Ptr is a wrapped address of a T in allocator memory.
type Ptr[T any, I Impl] struct {
	w uintptr
}

// Raw is a pointer with no checks.
type Raw[T any] = Ptr[T, NoOp]

// Checked validates the generation tag on dereference.
type Checked[T any] = Ptr[T, MTEChecked]

// BackupRefPtr holds a BackupRef reference.
type BackupRefPtr[T any] = Ptr[T, BackupRef]

// Hooked reports its operations to the installed Hooks.
type Hooked[T any] = Ptr[T, Hookable]

// New wraps addr.
func New[T any, I Impl](addr uintptr) Ptr[T, I] {
	var impl I
	return Ptr[T, I]{w: impl.Wrap(addr)}
}

// IsNil reports whether p wraps no address.
func (p Ptr[T, I]) IsNil() bool {
	var impl I
	return impl.UnwrapForComparison(p.w) == 0
}

// Get returns a Go pointer for dereferencing.
func (p Ptr[T, I]) Get() *T {
	var impl I
	addr := impl.UnwrapForDereference(p.w)
	if addr == 0 {
		return nil
	}
	return (*T)(mem.Ptr(addr))
}

// Addr extracts the plain address, for handing to code that does not use
// Ptr.
func (p Ptr[T, I]) Addr() uintptr {
	var impl I
	return impl.UnwrapForExtraction(p.w)
}

// Equal compares addresses, ignoring any metadata bits.
func (p Ptr[T, I]) Equal(q Ptr[T, I]) bool {
	var impl I
	return impl.UnwrapForComparison(p.w) == impl.UnwrapForComparison(q.w)
}

// Compare orders p and q by address.
func (p Ptr[T, I]) Compare(q Ptr[T, I]) int {
	var impl I
	a, b := impl.UnwrapForComparison(p.w), impl.UnwrapForComparison(q.w)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Add returns a pointer n elements past p. p is consumed.
func (p *Ptr[T, I]) Add(n int) Ptr[T, I] {
	var impl I
	var zero T
	w := impl.Advance(p.w, uintptr(n)*unsafe.Sizeof(zero))
	p.w = 0
	return Ptr[T, I]{w: w}
}

// Copy returns a second owner of the same address.
func (p Ptr[T, I]) Copy() Ptr[T, I] {
	var impl I
	return Ptr[T, I]{w: impl.Duplicate(p.w)}
}

// Release gives up p's hold on its address and resets it to nil.
func (p *Ptr[T, I]) Release() {
	if p.w == 0 {
		return
	}
	var impl I
	impl.Release(p.w)
	p.w = 0
}

// Reset releases p and wraps addr instead.
func (p *Ptr[T, I]) Reset(addr uintptr) {
	p.Release()
	var impl I
	p.w = impl.Wrap(addr)
}

// Cast reinterprets p as a pointer to U, keeping its metadata. p is consumed.
func Cast[U, T any, I Impl](p *Ptr[T, I]) Ptr[U, I] {
	var impl I
	w := impl.Upcast(p.w)
	p.w = 0
	return Ptr[U, I]{w: w}
}
