package bitmap

import (
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/mem"
)

// FreeSlotBitmap is the free-slot view of one superpage.
type FreeSlotBitmap struct {
	superPage uintptr
}

// FreeSlots returns the free-slot bitmap of the superpage holding addr.
func FreeSlots(addr uintptr) FreeSlotBitmap {
	return FreeSlotBitmap{superPage: addr & layout.SuperPageBaseMask}
}

func (b FreeSlotBitmap) locate(addr uintptr) (*atomic.Uint64, uint64) {
	bit := (addr - b.superPage) >> layout.SmallestSlotShift
	word := b.superPage + layout.FreeSlotBitmapOffset + (bit/64)*8
	return mem.AtomicU64(word), 1 << (bit % 64)
}

// Test reports whether the slot at addr is free.
func (b FreeSlotBitmap) Test(addr uintptr) bool {
	w, m := b.locate(addr)
	return w.Load()&m != 0
}

// MarkFree sets the bit for addr and reports whether it was already set.
func (b FreeSlotBitmap) MarkFree(addr uintptr) (wasFree bool) {
	w, m := b.locate(addr)
	return w.Or(m)&m != 0
}

// MarkUsed clears the bit for addr and reports whether it was set.
func (b FreeSlotBitmap) MarkUsed(addr uintptr) (wasFree bool) {
	w, m := b.locate(addr)
	return w.And(^m)&m != 0
}

// ForEachFree calls fn for every free slot in [begin, end) with the given slot
// size, in address order.
func (b FreeSlotBitmap) ForEachFree(begin, end, slotSize uintptr, fn func(slot uintptr)) {
	for s := begin; s+slotSize <= end; s += slotSize {
		if b.Test(s) {
			fn(s)
		}
	}
}

// Reset clears every bit covering [begin, end).
func (b FreeSlotBitmap) Reset(begin, end, slotSize uintptr) {
	for s := begin; s < end; s += slotSize {
		b.MarkUsed(s)
	}
}
