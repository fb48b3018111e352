package bitmap

import (
	"math/bits"
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/mem"
)

// State is the 2-bit allocation state of a slot.
type State uint8

const (
	Freed           State = 0b00
	QuarantinedOdd  State = 0b01
	QuarantinedEven State = 0b10
	Allocated       State = 0b11
)

func (s State) String() string {
	switch s {
	case Freed:
		return "freed"
	case QuarantinedOdd:
		return "quarantined(odd)"
	case QuarantinedEven:
		return "quarantined(even)"
	default:
		return "allocated"
	}
}

// IsQuarantined reports whether s is either quarantine state.
func (s State) IsQuarantined() bool { return s == QuarantinedOdd || s == QuarantinedEven }

// QuarantineState returns the quarantine state stamped during epoch.
func QuarantineState(epoch uint64) State {
	if epoch&1 == 1 {
		return QuarantinedOdd
	}
	return QuarantinedEven
}

const (
	cellBits    = 2
	cellsPerW   = 64 / cellBits
	lowCellBits = 0x5555555555555555
)

// StateBitmap is the allocation-state view of one superpage.
type StateBitmap struct {
	superPage uintptr
}

// States returns the state bitmap of the superpage holding addr.
func States(addr uintptr) StateBitmap {
	return StateBitmap{superPage: addr & layout.SuperPageBaseMask}
}

func (b StateBitmap) cell(addr uintptr) uintptr {
	return (addr - b.superPage) >> layout.SmallestSlotShift
}

func (b StateBitmap) word(i uintptr) *atomic.Uint64 {
	return mem.AtomicU64(b.superPage + layout.StateBitmapOffset + i*8)
}

func (b StateBitmap) locate(addr uintptr) (*atomic.Uint64, uint) {
	c := b.cell(addr)
	return b.word(c / cellsPerW), uint(c%cellsPerW) * cellBits
}

// Get returns the state of the slot starting at addr.
func (b StateBitmap) Get(addr uintptr) State {
	w, shift := b.locate(addr)
	return State(w.Load()>>shift) & 0b11
}

// transition moves addr to next if its current state satisfies ok. It returns
// the state observed before the transition and whether it happened.
func (b StateBitmap) transition(addr uintptr, ok func(State) bool, next State) (State, bool) {
	w, shift := b.locate(addr)
	mask := uint64(0b11) << shift
	for {
		old := w.Load()
		cur := State(old>>shift) & 0b11
		if !ok(cur) {
			return cur, false
		}
		if w.CompareAndSwap(old, old&^mask|uint64(next)<<shift) {
			return cur, true
		}
	}
}

// Allocate marks a freed slot allocated. It returns false if the slot was not
// in the freed state.
func (b StateBitmap) Allocate(addr uintptr) bool {
	_, ok := b.transition(addr, func(s State) bool { return s == Freed }, Allocated)
	return ok
}

// Quarantine moves an allocated slot into the quarantine state of epoch. It
// returns false if the slot was not allocated, which means a double free.
func (b StateBitmap) Quarantine(addr uintptr, epoch uint64) bool {
	_, ok := b.transition(addr, func(s State) bool { return s == Allocated }, QuarantineState(epoch))
	return ok
}

// MarkQuarantinedAsReachable re-stamps a quarantined slot with epoch's parity.
// It returns true only for the call that performed the transition, so each
// surviving slot is counted once per epoch.
func (b StateBitmap) MarkQuarantinedAsReachable(addr uintptr, epoch uint64) bool {
	want := QuarantineState(epoch)
	_, ok := b.transition(addr, func(s State) bool { return s.IsQuarantined() && s != want }, want)
	return ok
}

// Free moves a quarantined slot to freed. It returns false if the slot was not
// quarantined.
func (b StateBitmap) Free(addr uintptr) bool {
	_, ok := b.transition(addr, State.IsQuarantined, Freed)
	return ok
}

// Deallocate moves an allocated slot straight to freed, for partitions that
// do not quarantine. It returns false if the slot was not allocated.
func (b StateBitmap) Deallocate(addr uintptr) bool {
	_, ok := b.transition(addr, func(s State) bool { return s == Allocated }, Freed)
	return ok
}

// Release unconditionally marks the slot freed. Used when a slot span is torn
// down wholesale.
func (b StateBitmap) Release(addr uintptr) {
	b.transition(addr, func(State) bool { return true }, Freed)
}

// IsQuarantined reports whether the slot at addr is quarantined in any epoch.
func (b StateBitmap) IsQuarantined(addr uintptr) bool { return b.Get(addr).IsQuarantined() }

// IsAllocated reports whether the slot at addr is allocated.
func (b StateBitmap) IsAllocated(addr uintptr) bool { return b.Get(addr) == Allocated }

// selector returns, for a state word, a mask with the low bit of every
// selected cell set.
type selector func(w uint64) uint64

func selectQuarantined(w uint64) uint64 { return (w ^ w>>1) & lowCellBits }
func selectAllocated(w uint64) uint64   { return w & (w >> 1) & lowCellBits }
func selectOdd(w uint64) uint64         { return w &^ (w >> 1) & lowCellBits }
func selectEven(w uint64) uint64        { return (w >> 1) &^ w & lowCellBits }

func (b StateBitmap) iterate(begin, end uintptr, sel selector, fn func(slot uintptr)) {
	if end <= begin {
		return
	}
	first := b.cell(begin)
	last := b.cell(end - 1)
	for wi := first / cellsPerW; wi <= last/cellsPerW; wi++ {
		bitsSet := sel(b.word(wi).Load())
		for bitsSet != 0 {
			tz := uintptr(bits.TrailingZeros64(bitsSet))
			bitsSet &= bitsSet - 1
			c := wi*cellsPerW + tz/cellBits
			if c < first || c > last {
				continue
			}
			fn(b.superPage + c<<layout.SmallestSlotShift)
		}
	}
}

// IterateQuarantined calls fn for every quarantined slot in [begin, end).
func (b StateBitmap) IterateQuarantined(begin, end uintptr, fn func(slot uintptr)) {
	b.iterate(begin, end, selectQuarantined, fn)
}

// IterateAllocated calls fn for every allocated slot in [begin, end).
func (b StateBitmap) IterateAllocated(begin, end uintptr, fn func(slot uintptr)) {
	b.iterate(begin, end, selectAllocated, fn)
}

// IterateUnmarkedQuarantined calls fn for every slot quarantined with the
// parity opposite to epoch: the sweep candidates of that epoch.
func (b StateBitmap) IterateUnmarkedQuarantined(begin, end uintptr, epoch uint64, fn func(slot uintptr)) {
	if QuarantineState(epoch) == QuarantinedOdd {
		b.iterate(begin, end, selectEven, fn)
		return
	}
	b.iterate(begin, end, selectOdd, fn)
}

// IterateMarkedQuarantined calls fn for every slot quarantined with epoch's
// parity: slots freed during epoch or found reachable by its scan.
func (b StateBitmap) IterateMarkedQuarantined(begin, end uintptr, epoch uint64, fn func(slot uintptr)) {
	if QuarantineState(epoch) == QuarantinedOdd {
		b.iterate(begin, end, selectOdd, fn)
		return
	}
	b.iterate(begin, end, selectEven, fn)
}
