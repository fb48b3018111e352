package partition

import (
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/partition/addrspace"
)

// Superpage header, written into the metadata system page of every bucketed
// superpage and at the start of every direct map reservation. It is the
// Go-independent record of what the reservation holds; the direct map tag
// lives here.
const (
	headerMagic = 0x54_4B_41_50 // "PAKT"

	hdrMagic         = 0  // uint32
	hdrKind          = 4  // uint8
	hdrFlags         = 5  // uint8
	hdrTag           = 6  // uint8, direct maps only
	hdrSlotSize      = 8  // uint64
	hdrPayloadOffset = 16 // uint64
	hdrReservedSize  = 24 // uint64
	hdrRefCount      = 32 // uint64, direct maps in BackupRefPtr partitions

	kindNormal    = 1
	kindDirectMap = 2

	flagTagging = 1 << 0
	flagBRP     = 1 << 1
)

func headerAddr(reservation uintptr) uintptr { return reservation + layout.MetadataOffset }

func writeHeader(reservation uintptr, kind, flags uint8, slotSize, payloadOffset, reserved uintptr) {
	h := headerAddr(reservation)
	mem.StoreU32(h+hdrMagic, headerMagic)
	mem.StoreU8(h+hdrKind, kind)
	mem.StoreU8(h+hdrFlags, flags)
	mem.StoreU64(h+hdrSlotSize, uint64(slotSize))
	mem.StoreU64(h+hdrPayloadOffset, uint64(payloadOffset))
	mem.StoreU64(h+hdrReservedSize, uint64(reserved))
}

func headerTag(reservation uintptr) uint8 { return mem.LoadU8(headerAddr(reservation) + hdrTag) }

func setHeaderTag(reservation uintptr, t uint8) { mem.StoreU8(headerAddr(reservation)+hdrTag, t) }

// superPage is the Go-side metadata of one reservation: a bucketed superpage
// or the head superpage of a direct map.
type superPage struct {
	root *Root
	base uintptr

	// spans maps each partition page to the slot span covering it. Written
	// under the root lock, read lock-free by LookupSlot.
	spans [layout.NumPartitionPagesPerSuperPage]atomic.Pointer[SlotSpan]

	// next is the next unprovisioned partition page. Guarded by the root lock.
	next int
	// slotSpans lists the spans carved so far in address order. Guarded by
	// the root lock.
	slotSpans []*SlotSpan

	direct *directMap
}

func (sp *superPage) payloadBegin() uintptr { return sp.base + layout.PayloadOffset }
func (sp *superPage) payloadEnd() uintptr   { return sp.base + layout.PayloadEnd }

// spanAt returns the slot span covering addr, or nil.
func (sp *superPage) spanAt(addr uintptr) *SlotSpan {
	i := (addr - sp.base) >> layout.PartitionPageShift
	if i >= layout.NumPartitionPagesPerSuperPage {
		return nil
	}
	return sp.spans[i].Load()
}

// registry maps reservation heads back to their metadata so that a bare
// address resolves to its root, slot span and slot without locks.
type registry struct {
	as     *addrspace.AddressSpace
	tables [addrspace.NumPools][]atomic.Pointer[superPage]
}

var currentRegistry atomic.Pointer[registry]

// registryFor returns the registry bound to as, replacing a stale one left
// over from a previous address space.
func registryFor(as *addrspace.AddressSpace) *registry {
	for {
		r := currentRegistry.Load()
		if r != nil && r.as == as {
			return r
		}
		n := &registry{as: as}
		for _, p := range as.Pools() {
			n.tables[p.Handle()] = make([]atomic.Pointer[superPage], p.NumSuperPages())
		}
		if currentRegistry.CompareAndSwap(r, n) {
			return n
		}
	}
}

func (r *registry) slot(p *addrspace.Pool, reservation uintptr) *atomic.Pointer[superPage] {
	return &r.tables[p.Handle()][p.SuperPageIndex(reservation)]
}

// lookupReservation returns the metadata of the reservation holding addr, or
// nil for any address the allocator does not own.
func lookupReservation(addr uintptr) *superPage {
	r := currentRegistry.Load()
	if r == nil {
		return nil
	}
	p := r.as.PoolOf(addr)
	if p == nil {
		return nil
	}
	start := p.Offsets().GetReservationStart(addr)
	if start == 0 {
		return nil
	}
	return r.slot(p, start).Load()
}
