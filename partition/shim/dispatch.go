// Package shim routes allocation calls through a chain of dispatch tables.
//
// A Chain starts at the most recently inserted Dispatch and falls through to
// its tail, normally a partition root wrapped by NewPartitionDispatch. Layers
// inserted in front observe or redirect calls and forward the rest with
// d.Next():
//
//	counting := &shim.Dispatch{
//		Alloc: func(d *shim.Dispatch, size uintptr) uintptr {
//			n.Add(1)
//			return d.Next().Malloc(size)
//		},
//	}
//	chain.Insert(counting)
//
// Insertion takes a lock but every call walks the chain without one, so a
// Dispatch must not be removed while calls may be in flight. RemoveForTesting
// exists for test teardown only.
package shim

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/logger"
)

// ErrIncompleteTail is returned by NewChain when the tail leaves an entry
// point unset.
var ErrIncompleteTail = errors.New("shim: tail dispatch must set every entry point")

// Dispatch is one table in the chain. Nil entries fall through to the next
// table. Every entry receives its own table so it can reach Next.
type Dispatch struct {
	// Name labels the table in logs.
	Name string

	Alloc                func(d *Dispatch, size uintptr) uintptr
	AllocUnchecked       func(d *Dispatch, size uintptr) uintptr
	AllocZeroInitialized func(d *Dispatch, n, size uintptr) uintptr
	AllocAligned         func(d *Dispatch, alignment, size uintptr) uintptr
	Realloc              func(d *Dispatch, addr, size uintptr) uintptr
	Free                 func(d *Dispatch, addr uintptr)
	GetSizeEstimate      func(d *Dispatch, addr uintptr) uintptr
	ClaimedAddress       func(d *Dispatch, addr uintptr) bool
	BatchMalloc          func(d *Dispatch, size uintptr, out []uintptr) int
	BatchFree            func(d *Dispatch, addrs []uintptr)
	FreeDefiniteSize     func(d *Dispatch, addr, size uintptr)

	next   atomic.Pointer[Dispatch]
	linked atomic.Bool
}

// Next returns the table after d, or nil at the tail.
func (d *Dispatch) Next() *Dispatch { return d.next.Load() }

func (d *Dispatch) complete() bool {
	return d.Alloc != nil && d.AllocUnchecked != nil &&
		d.AllocZeroInitialized != nil && d.AllocAligned != nil &&
		d.Realloc != nil && d.Free != nil && d.GetSizeEstimate != nil &&
		d.ClaimedAddress != nil && d.BatchMalloc != nil &&
		d.BatchFree != nil && d.FreeDefiniteSize != nil
}

// Malloc allocates size bytes through the first table from d that handles
// it. Failure crashes.
func (d *Dispatch) Malloc(size uintptr) uintptr {
	for ; d != nil; d = d.Next() {
		if d.Alloc != nil {
			return d.Alloc(d, size)
		}
	}
	crash.OOM(size, "shim: no dispatch handles alloc")
	return 0
}

// MallocUnchecked is Malloc returning 0 on failure.
func (d *Dispatch) MallocUnchecked(size uintptr) uintptr {
	for ; d != nil; d = d.Next() {
		if d.AllocUnchecked != nil {
			return d.AllocUnchecked(d, size)
		}
	}
	return 0
}

// Calloc allocates n*size zeroed bytes.
func (d *Dispatch) Calloc(n, size uintptr) uintptr {
	for ; d != nil; d = d.Next() {
		if d.AllocZeroInitialized != nil {
			return d.AllocZeroInitialized(d, n, size)
		}
	}
	crash.OOM(size, "shim: no dispatch handles calloc")
	return 0
}

// Memalign allocates size bytes aligned to alignment.
func (d *Dispatch) Memalign(alignment, size uintptr) uintptr {
	for ; d != nil; d = d.Next() {
		if d.AllocAligned != nil {
			return d.AllocAligned(d, alignment, size)
		}
	}
	crash.OOM(size, "shim: no dispatch handles memalign")
	return 0
}

// ReallocAddr resizes addr.
func (d *Dispatch) ReallocAddr(addr, size uintptr) uintptr {
	for ; d != nil; d = d.Next() {
		if d.Realloc != nil {
			return d.Realloc(d, addr, size)
		}
	}
	crash.OOM(size, "shim: no dispatch handles realloc")
	return 0
}

// FreeAddr releases addr.
func (d *Dispatch) FreeAddr(addr uintptr) {
	for ; d != nil; d = d.Next() {
		if d.Free != nil {
			d.Free(d, addr)
			return
		}
	}
}

// SizeEstimate returns the usable size of addr, or 0 when no table owns it.
func (d *Dispatch) SizeEstimate(addr uintptr) uintptr {
	for ; d != nil; d = d.Next() {
		if d.GetSizeEstimate != nil {
			return d.GetSizeEstimate(d, addr)
		}
	}
	return 0
}

// Claims reports whether a table from d owns addr.
func (d *Dispatch) Claims(addr uintptr) bool {
	for ; d != nil; d = d.Next() {
		if d.ClaimedAddress != nil {
			return d.ClaimedAddress(d, addr)
		}
	}
	return false
}

// BatchAlloc fills out with allocations of size bytes and returns the count.
func (d *Dispatch) BatchAlloc(size uintptr, out []uintptr) int {
	for ; d != nil; d = d.Next() {
		if d.BatchMalloc != nil {
			return d.BatchMalloc(d, size, out)
		}
	}
	return 0
}

// BatchRelease frees every address in addrs.
func (d *Dispatch) BatchRelease(addrs []uintptr) {
	for ; d != nil; d = d.Next() {
		if d.BatchFree != nil {
			d.BatchFree(d, addrs)
			return
		}
	}
}

// FreeSized releases addr whose allocation size the caller knows.
func (d *Dispatch) FreeSized(addr, size uintptr) {
	for ; d != nil; d = d.Next() {
		if d.FreeDefiniteSize != nil {
			d.FreeDefiniteSize(d, addr, size)
			return
		}
	}
}

// Chain is a dispatch chain with a fixed tail.
type Chain struct {
	mu   sync.Mutex
	head atomic.Pointer[Dispatch]
	tail *Dispatch
}

// NewChain returns a chain that ends at tail. The tail sets every entry point.
func NewChain(tail *Dispatch) (*Chain, error) {
	if tail == nil || !tail.complete() {
		return nil, ErrIncompleteTail
	}
	if !tail.linked.CompareAndSwap(false, true) {
		panic("shim: dispatch " + tail.Name + " already in a chain")
	}
	c := &Chain{tail: tail}
	c.head.Store(tail)
	return c, nil
}

// Head returns the first table calls reach.
func (c *Chain) Head() *Dispatch { return c.head.Load() }

// Insert puts d in front of the chain. A table can be in one chain once;
// inserting it again panics.
func (c *Chain) Insert(d *Dispatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !d.linked.CompareAndSwap(false, true) {
		panic("shim: dispatch " + d.Name + " inserted twice")
	}
	d.next.Store(c.head.Load())
	c.head.Store(d)
	logger.Debug("shim: dispatch inserted", "name", d.Name)
}

// RemoveForTesting unlinks d. Calls already walking the chain may still
// reach it. The tail cannot be removed.
func (c *Chain) RemoveForTesting(d *Dispatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d == c.tail {
		return false
	}
	if c.head.Load() == d {
		c.head.Store(d.Next())
	} else {
		prev := c.head.Load()
		for prev != nil && prev.Next() != d {
			prev = prev.Next()
		}
		if prev == nil {
			return false
		}
		prev.next.Store(d.Next())
	}
	d.next.Store(nil)
	d.linked.Store(false)
	return true
}

// Malloc allocates size bytes or crashes.
func (c *Chain) Malloc(size uintptr) uintptr { return c.Head().Malloc(size) }

// MallocUnchecked allocates size bytes or returns 0.
func (c *Chain) MallocUnchecked(size uintptr) uintptr { return c.Head().MallocUnchecked(size) }

// Calloc allocates n*size zeroed bytes or crashes.
func (c *Chain) Calloc(n, size uintptr) uintptr { return c.Head().Calloc(n, size) }

// Memalign allocates size bytes aligned to alignment or crashes.
func (c *Chain) Memalign(alignment, size uintptr) uintptr {
	return c.Head().Memalign(alignment, size)
}

// Realloc resizes addr. A zero addr allocates; a zero size frees.
func (c *Chain) Realloc(addr, size uintptr) uintptr { return c.Head().ReallocAddr(addr, size) }

// Free releases addr. Zero is ignored.
func (c *Chain) Free(addr uintptr) { c.Head().FreeAddr(addr) }

// GetSizeEstimate returns the usable size of addr, or 0 if the chain does not
// own it.
func (c *Chain) GetSizeEstimate(addr uintptr) uintptr { return c.Head().SizeEstimate(addr) }

// ClaimedAddress reports whether the chain owns addr.
func (c *Chain) ClaimedAddress(addr uintptr) bool { return c.Head().Claims(addr) }

// BatchMalloc fills out with allocations and returns how many succeeded.
func (c *Chain) BatchMalloc(size uintptr, out []uintptr) int {
	return c.Head().BatchAlloc(size, out)
}

// BatchFree frees every address in addrs.
func (c *Chain) BatchFree(addrs []uintptr) { c.Head().BatchRelease(addrs) }

// FreeDefiniteSize frees addr, whose size the caller knows.
func (c *Chain) FreeDefiniteSize(addr, size uintptr) { c.Head().FreeSized(addr, size) }
