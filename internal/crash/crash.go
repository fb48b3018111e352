// Package crash reports unrecoverable allocator conditions.
//
// Every function here logs the context at Error level and then panics with an
// *Error. These conditions indicate heap corruption or a security violation,
// so callers must not recover and retry. Tests assert them with
// require.PanicsWithError or by recovering the *Error value.
package crash

import (
	"fmt"

	"github.com/joshuapare/pakit/internal/logger"
)

// Kind classifies a fatal condition.
type Kind int

const (
	FreelistCorruption Kind = iota + 1
	DoubleFree
	TagMismatch
	Reentrancy
	PoolAlignment
	OutOfMemory
	BadFree
	RefCountOverflow
	UseAfterFree
)

var kindNames = map[Kind]string{
	FreelistCorruption: "freelist corruption",
	DoubleFree:         "double free",
	TagMismatch:        "tag mismatch",
	Reentrancy:         "reentrant allocation",
	PoolAlignment:      "pool alignment infeasible",
	OutOfMemory:        "out of memory",
	BadFree:            "free of non-allocator address",
	RefCountOverflow:   "reference count overflow",
	UseAfterFree:       "use after free",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the panic value raised for fatal conditions.
type Error struct {
	Kind   Kind
	Addr   uintptr // offending address, if any
	Tag    uint8   // tag carried by the pointer, for TagMismatch
	Want   uint8   // tag currently stored in memory, for TagMismatch
	Detail string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("pakit: fatal: %s at %#x", e.Kind, e.Addr)
	if e.Kind == TagMismatch {
		s += fmt.Sprintf(" (pointer tag %d, memory tag %d)", e.Tag, e.Want)
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

// Is matches another *Error with the same Kind, so errors.Is works on
// recovered values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Fatal logs and panics with e. It never returns.
func Fatal(e *Error) {
	logger.Error("fatal allocator condition",
		"kind", e.Kind.String(),
		"addr", fmt.Sprintf("%#x", e.Addr),
		"tag", e.Tag,
		"want", e.Want,
		"detail", e.Detail,
	)
	panic(e)
}

// Freelist reports a corrupted free-list entry in the slot at addr.
func Freelist(addr uintptr, detail string) {
	Fatal(&Error{Kind: FreelistCorruption, Addr: addr, Detail: detail})
}

// Double reports a second free of the slot at addr.
func Double(addr uintptr) {
	Fatal(&Error{Kind: DoubleFree, Addr: addr})
}

// Tag reports a dereference through a pointer whose tag no longer matches.
func Tag(addr uintptr, ptrTag, memTag uint8) {
	Fatal(&Error{Kind: TagMismatch, Addr: addr, Tag: ptrTag, Want: memTag})
}

// Reentrant reports an allocation issued from inside an allocation hook.
func Reentrant(detail string) {
	Fatal(&Error{Kind: Reentrancy, Detail: detail})
}

// Alignment reports a pool layout that cannot be aligned.
func Alignment(detail string) {
	Fatal(&Error{Kind: PoolAlignment, Detail: detail})
}

// OOM reports a failed checked allocation of size bytes.
func OOM(size uintptr, detail string) {
	Fatal(&Error{Kind: OutOfMemory, Detail: fmt.Sprintf("size=%d: %s", size, detail)})
}

// Dangling reports a new reference to the released allocation at addr.
func Dangling(addr uintptr, detail string) {
	Fatal(&Error{Kind: UseAfterFree, Addr: addr, Detail: detail})
}

// InvalidFree reports a free of an address the allocator does not own.
func InvalidFree(addr uintptr, detail string) {
	Fatal(&Error{Kind: BadFree, Addr: addr, Detail: detail})
}
