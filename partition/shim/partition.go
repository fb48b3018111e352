package shim

import (
	"github.com/joshuapare/pakit/partition"
)

// NewPartitionDispatch returns a complete table serving every call from
// root. Addresses root does not own are passed on to the next table when
// there is one; at the tail they crash as invalid frees.
func NewPartitionDispatch(root *partition.Root) *Dispatch {
	owns := func(addr uintptr) bool { return partition.RootOf(addr) == root }
	return &Dispatch{
		Name: "partition:" + root.Name(),
		Alloc: func(_ *Dispatch, size uintptr) uintptr {
			return root.Alloc(size)
		},
		AllocUnchecked: func(_ *Dispatch, size uintptr) uintptr {
			return root.AllocFlags(size, partition.FlagReturnNull)
		},
		AllocZeroInitialized: func(_ *Dispatch, n, size uintptr) uintptr {
			return root.Calloc(n, size)
		},
		AllocAligned: func(_ *Dispatch, alignment, size uintptr) uintptr {
			return root.AlignedAlloc(alignment, size)
		},
		Realloc: func(d *Dispatch, addr, size uintptr) uintptr {
			if addr != 0 && !owns(addr) && d.Next() != nil {
				return d.Next().ReallocAddr(addr, size)
			}
			return root.Realloc(addr, size)
		},
		Free: func(d *Dispatch, addr uintptr) {
			if addr != 0 && !owns(addr) && d.Next() != nil {
				d.Next().FreeAddr(addr)
				return
			}
			root.Free(addr)
		},
		GetSizeEstimate: func(d *Dispatch, addr uintptr) uintptr {
			if !owns(addr) {
				return d.Next().SizeEstimate(addr)
			}
			return root.UsableSize(addr)
		},
		ClaimedAddress: func(d *Dispatch, addr uintptr) bool {
			return owns(addr) || d.Next().Claims(addr)
		},
		BatchMalloc: func(_ *Dispatch, size uintptr, out []uintptr) int {
			return root.BatchAlloc(size, out)
		},
		BatchFree: func(d *Dispatch, addrs []uintptr) {
			if d.Next() == nil {
				root.BatchFree(addrs)
				return
			}
			for _, a := range addrs {
				d.Free(d, a)
			}
		},
		FreeDefiniteSize: func(d *Dispatch, addr, _ uintptr) {
			d.Free(d, addr)
		},
	}
}
