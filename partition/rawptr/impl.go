package rawptr

import (
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/partition"
)

// Impl is the capability set a Ptr delegates to. Every method takes and
// returns the wrapped representation, except Wrap, which takes a plain
// address. Implementations are zero-size value types selected as a type
// parameter, so the choice is made at compile time.
type Impl interface {
	Wrap(addr uintptr) uintptr
	Release(w uintptr)
	UnwrapForDereference(w uintptr) uintptr
	UnwrapForExtraction(w uintptr) uintptr
	UnwrapForComparison(w uintptr) uintptr
	Upcast(w uintptr) uintptr
	Advance(w uintptr, delta uintptr) uintptr
	Duplicate(w uintptr) uintptr
}

const (
	tagShift = 56
	addrMask = 1<<tagShift - 1
)

// NoOp stores the plain address.
type NoOp struct{}

func (NoOp) Wrap(addr uintptr) uintptr                { return addr }
func (NoOp) Release(uintptr)                          {}
func (NoOp) UnwrapForDereference(w uintptr) uintptr   { return w }
func (NoOp) UnwrapForExtraction(w uintptr) uintptr    { return w }
func (NoOp) UnwrapForComparison(w uintptr) uintptr    { return w }
func (NoOp) Upcast(w uintptr) uintptr                 { return w }
func (NoOp) Advance(w uintptr, delta uintptr) uintptr { return w + delta }
func (NoOp) Duplicate(w uintptr) uintptr              { return w }

// MTEChecked keeps the allocation's generation tag in the top byte. A
// dereference through a pointer whose tag no longer matches memory crashes.
// Addresses outside tagging partitions carry tag zero and are never checked.
type MTEChecked struct{}

func (MTEChecked) Wrap(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	tag, ok := partition.TagForAddress(addr)
	if !ok {
		return addr
	}
	return addr | uintptr(tag)<<tagShift
}

func (MTEChecked) Release(uintptr) {}

func (MTEChecked) UnwrapForDereference(w uintptr) uintptr {
	addr := w & addrMask
	tag := uint8(w >> tagShift)
	if tag == 0 {
		return addr
	}
	cur, ok := partition.TagForAddress(addr)
	if !ok || cur != tag {
		crash.Tag(addr, tag, cur)
	}
	return addr
}

func (MTEChecked) UnwrapForExtraction(w uintptr) uintptr { return w & addrMask }
func (MTEChecked) UnwrapForComparison(w uintptr) uintptr { return w & addrMask }
func (MTEChecked) Upcast(w uintptr) uintptr              { return w }
func (MTEChecked) Duplicate(w uintptr) uintptr           { return w }

func (MTEChecked) Advance(w uintptr, delta uintptr) uintptr {
	return w&^addrMask | (w+delta)&addrMask
}

// BackupRef holds a reference on the allocation while wrapped. A partition
// with BackupRefPtr enabled keeps a freed slot poisoned but unreused until
// the last reference is released.
type BackupRef struct{}

// noRef marks a BackupRef word that holds no reference because Advance left
// every live allocation, such as one past the end of the last slot.
const noRef uintptr = 1 << 63

// Wrap crashes when addr is in an allocation whose last reference is gone.
func (BackupRef) Wrap(addr uintptr) uintptr {
	if addr != 0 && !partition.AcquireBackupRef(addr) && partition.HasBackupRef(addr) {
		crash.Dangling(addr, "backup reference to a released allocation")
	}
	return addr
}

func (BackupRef) Release(w uintptr) {
	if w != 0 && w&noRef == 0 {
		partition.ReleaseBackupRef(w)
	}
}

func (BackupRef) UnwrapForDereference(w uintptr) uintptr { return w &^ noRef }
func (BackupRef) UnwrapForExtraction(w uintptr) uintptr  { return w &^ noRef }
func (BackupRef) UnwrapForComparison(w uintptr) uintptr  { return w &^ noRef }
func (BackupRef) Upcast(w uintptr) uintptr               { return w }

// Advance moves the reference when the result lands in another allocation.
func (b BackupRef) Advance(w uintptr, delta uintptr) uintptr {
	addr := w &^ noRef
	next := addr + delta
	if w&noRef == 0 && sameAllocation(addr, next) {
		return next
	}
	b.Release(w)
	if !partition.AcquireBackupRef(next) && partition.HasBackupRef(next) {
		return next | noRef
	}
	return next
}

func (b BackupRef) Duplicate(w uintptr) uintptr {
	if w&noRef != 0 {
		return w
	}
	return b.Wrap(w)
}

func sameAllocation(a, b uintptr) bool {
	sa, _, oka := partition.LookupSlot(a)
	sb, _, okb := partition.LookupSlot(b)
	return oka == okb && sa == sb
}

// Hooks observe every operation of a Hookable pointer. Nil fields are
// skipped.
type Hooks struct {
	Wrap                 func(addr uintptr)
	Release              func(addr uintptr)
	UnwrapForDereference func(addr uintptr)
	UnwrapForExtraction  func(addr uintptr)
	UnwrapForComparison  func(addr uintptr)
	Advance              func(addr, next uintptr)
	Duplicate            func(addr uintptr)
}

var hooks atomic.Pointer[Hooks]

// InstallHooks replaces the hooks every Hookable pointer calls. nil removes
// them.
func InstallHooks(h *Hooks) { hooks.Store(h) }

// ResetHooksForTesting removes installed hooks.
func ResetHooksForTesting() { hooks.Store(nil) }

// Hookable stores the plain address and reports each operation to the
// installed Hooks.
type Hookable struct{}

func call(pick func(*Hooks) func(uintptr), addr uintptr) {
	if h := hooks.Load(); h != nil {
		if fn := pick(h); fn != nil {
			fn(addr)
		}
	}
}

func (Hookable) Wrap(addr uintptr) uintptr {
	call(func(h *Hooks) func(uintptr) { return h.Wrap }, addr)
	return addr
}

func (Hookable) Release(w uintptr) {
	call(func(h *Hooks) func(uintptr) { return h.Release }, w)
}

func (Hookable) UnwrapForDereference(w uintptr) uintptr {
	call(func(h *Hooks) func(uintptr) { return h.UnwrapForDereference }, w)
	return w
}

func (Hookable) UnwrapForExtraction(w uintptr) uintptr {
	call(func(h *Hooks) func(uintptr) { return h.UnwrapForExtraction }, w)
	return w
}

func (Hookable) UnwrapForComparison(w uintptr) uintptr {
	call(func(h *Hooks) func(uintptr) { return h.UnwrapForComparison }, w)
	return w
}

func (Hookable) Upcast(w uintptr) uintptr { return w }

func (Hookable) Advance(w uintptr, delta uintptr) uintptr {
	if h := hooks.Load(); h != nil && h.Advance != nil {
		h.Advance(w, w+delta)
	}
	return w + delta
}

func (Hookable) Duplicate(w uintptr) uintptr {
	call(func(h *Hooks) func(uintptr) { return h.Duplicate }, w)
	return w
}
