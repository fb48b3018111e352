package addrspace

import (
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/layout"
)

// Offset table sentinels. Real entries count superpages back to the
// reservation start and are always below OffsetNormalBuckets; Config.Validate
// bounds the pool size so that holds.
const (
	OffsetNotAllocated  = 0xFFFF
	OffsetNormalBuckets = 0xFFFE
)

// ReservationOffsetTable holds one 16-bit entry per superpage of a pool. An
// entry is 0 at the start of a direct map reservation, k for the k-th
// superpage after it, OffsetNormalBuckets for a bucketed superpage and
// OffsetNotAllocated otherwise.
//
// Entries are read without locks by the scanner and by raw pointer checks
// while allocating goroutines write them, so each one is stored atomically.
type ReservationOffsetTable struct {
	base    uintptr
	entries []atomic.Uint32
}

func newOffsetTable(base uintptr, n int) *ReservationOffsetTable {
	t := &ReservationOffsetTable{base: base, entries: make([]atomic.Uint32, n)}
	for i := range t.entries {
		t.entries[i].Store(OffsetNotAllocated)
	}
	return t
}

func (t *ReservationOffsetTable) index(addr uintptr) (int, bool) {
	if addr < t.base {
		return 0, false
	}
	i := (addr - t.base) >> layout.SuperPageShift
	if i >= uintptr(len(t.entries)) {
		return 0, false
	}
	return int(i), true
}

// Entry returns the raw entry for addr. Addresses outside the table read as
// OffsetNotAllocated.
func (t *ReservationOffsetTable) Entry(addr uintptr) uint16 {
	i, ok := t.index(addr)
	if !ok {
		return OffsetNotAllocated
	}
	return uint16(t.entries[i].Load())
}

// SetNormalBuckets marks the superpage at addr as bucketed.
func (t *ReservationOffsetTable) SetNormalBuckets(superPage uintptr) {
	if i, ok := t.index(superPage); ok {
		t.entries[i].Store(OffsetNormalBuckets)
	}
}

// SetDirectMap marks n superpages starting at start as one direct map
// reservation.
func (t *ReservationOffsetTable) SetDirectMap(start uintptr, n int) {
	i, ok := t.index(start)
	if !ok {
		return
	}
	for k := 0; k < n && i+k < len(t.entries); k++ {
		t.entries[i+k].Store(uint32(k))
	}
}

// Clear marks n superpages starting at start as not allocated.
func (t *ReservationOffsetTable) Clear(start uintptr, n int) {
	i, ok := t.index(start)
	if !ok {
		return
	}
	for k := 0; k < n && i+k < len(t.entries); k++ {
		t.entries[i+k].Store(OffsetNotAllocated)
	}
}

// GetReservationStart returns the first byte of the reservation holding addr,
// or 0 if addr is not in an allocated superpage. For bucketed superpages the
// reservation is the superpage itself.
func (t *ReservationOffsetTable) GetReservationStart(addr uintptr) uintptr {
	e := t.Entry(addr)
	switch e {
	case OffsetNotAllocated:
		return 0
	case OffsetNormalBuckets:
		return addr & layout.SuperPageBaseMask
	default:
		return addr&layout.SuperPageBaseMask - uintptr(e)<<layout.SuperPageShift
	}
}

func (t *ReservationOffsetTable) IsManagedByNormalBuckets(addr uintptr) bool {
	return t.Entry(addr) == OffsetNormalBuckets
}

func (t *ReservationOffsetTable) IsManagedByDirectMap(addr uintptr) bool {
	return t.Entry(addr) < OffsetNormalBuckets
}

func (t *ReservationOffsetTable) IsManagedByEither(addr uintptr) bool {
	return t.Entry(addr) != OffsetNotAllocated
}
