package partition

import (
	"fmt"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/internal/vm"
	"github.com/joshuapare/pakit/partition/bitmap"
)

// SlotSpan is a run of equally sized slots carved from consecutive partition
// pages of one superpage.
//
// Free slots are threaded into an index-based list through their own first
// eight bytes: a 1-based index of the next free slot followed by its bitwise
// complement. The FreeSlotBitmap is the authority on which slots are free; the
// list is only an ordering over it and is rebuilt from the bitmap whenever
// page contents are discarded.
//
// Everything below the immutable header fields is guarded by the root lock.
type SlotSpan struct {
	bucket   *Bucket
	sp       *superPage
	start    uintptr
	numPages int
	slotSize uintptr
	numSlots uint32

	provisioned  uint32  // slots carved so far; the rest were never touched
	allocated    uint32  // slots handed out, including cached and quarantined ones
	freeHead     uint32  // 1-based index of the first free slot, 0 when empty
	freeCount    uint32  // slots on the free list
	unlisted     uint32  // free slots left off the list because their page was discarded
	committedEnd uintptr // end of the committed prefix
	decommitted  bool

	list       *spanList
	prev, next *SlotSpan
	ringIndex  int // position in the empty ring, or -1
}

// Start returns the address of the first slot.
func (s *SlotSpan) Start() uintptr { return s.start }

// SlotSize returns the slot size.
func (s *SlotSpan) SlotSize() uintptr { return s.slotSize }

// Bytes returns the span size.
func (s *SlotSpan) Bytes() uintptr { return uintptr(s.numPages) * layout.PartitionPageSize }

func (s *SlotSpan) end() uintptr { return s.start + s.Bytes() }

func (s *SlotSpan) provisionedEnd() uintptr {
	return s.start + uintptr(s.provisioned)*s.slotSize
}

func (s *SlotSpan) slotAddr(i uint32) uintptr { return s.start + uintptr(i)*s.slotSize }

// slotStart returns the start of the slot holding addr, or 0 if addr lies in
// the span's tail waste.
func (s *SlotSpan) slotStart(addr uintptr) uintptr {
	i := (addr - s.start) / s.slotSize
	if i >= uintptr(s.numSlots) {
		return 0
	}
	return s.start + i*s.slotSize
}

func (s *SlotSpan) isFull() bool  { return s.allocated == s.numSlots }
func (s *SlotSpan) isEmpty() bool { return s.allocated == 0 }

// hasFree reports whether alloc can succeed without a new span.
func (s *SlotSpan) hasFree() bool {
	return s.freeHead != 0 || s.unlisted != 0 || s.provisioned < s.numSlots
}

// popFree takes the head of the free list, validating the entry's shadow
// value and the bitmap. Returns 0 when the list is empty.
func (s *SlotSpan) popFree() uintptr {
	if s.freeHead == 0 {
		return 0
	}
	slot := s.slotAddr(s.freeHead - 1)
	next := mem.LoadU32(slot)
	shadow := mem.LoadU32(slot + 4)
	if shadow != ^next || next > s.provisioned {
		crash.Freelist(slot, fmt.Sprintf("entry next=%d shadow=%#x", next, shadow))
	}
	if !bitmap.FreeSlots(slot).MarkUsed(slot) {
		crash.Freelist(slot, "free list entry not marked free")
	}
	mem.StoreU64(slot, 0)
	s.freeHead = next
	s.freeCount--
	return slot
}

// pushFree links slot into the free list. A slot whose bit is already set is
// a double free.
func (s *SlotSpan) pushFree(slot uintptr) {
	if bitmap.FreeSlots(slot).MarkFree(slot) {
		crash.Double(slot)
	}
	s.link(slot)
}

func (s *SlotSpan) link(slot uintptr) {
	idx := uint32((slot-s.start)/s.slotSize) + 1
	mem.StoreU32(slot, s.freeHead)
	mem.StoreU32(slot+4, ^s.freeHead)
	s.freeHead = idx
	s.freeCount++
}

// provision carves the next untouched slot, committing its pages first under
// lazy commit.
func (s *SlotSpan) provision(r *Root) (uintptr, error) {
	if s.provisioned == s.numSlots {
		return 0, nil
	}
	slot := s.slotAddr(s.provisioned)
	if end := layout.AlignSystemPage(slot + s.slotSize); end > s.committedEnd {
		if err := vm.Commit(s.committedEnd, end-s.committedEnd); err != nil {
			return 0, fmt.Errorf("%w: commit slot span: %w", ErrOutOfMemory, err)
		}
		r.committed.Add(uint64(end - s.committedEnd))
		s.committedEnd = end
	}
	s.provisioned++
	return slot, nil
}

// allocSlot returns a free slot, provisioning a new one when the list is
// empty. The caller has checked hasFree.
func (s *SlotSpan) allocSlot(r *Root) (uintptr, error) {
	slot := s.popFree()
	if slot == 0 && s.unlisted != 0 {
		s.rebuildFreeList(nil)
		slot = s.popFree()
	}
	if slot == 0 {
		var err error
		if slot, err = s.provision(r); err != nil {
			return 0, err
		}
	}
	if slot == 0 {
		return 0, fmt.Errorf("partition: slot span %#x has no free slot", s.start)
	}
	s.allocated++
	return slot, nil
}

// rebuildFreeList rethreads the free list from the bitmap in address order.
// Slots whose list entry would land in one of the discarded ranges are left
// off the list so relinking does not fault the pages back in; they are picked
// up by a full rebuild once the list runs dry.
func (s *SlotSpan) rebuildFreeList(discarded []vm.Range) {
	s.freeHead, s.freeCount, s.unlisted = 0, 0, 0
	var slots []uintptr
	bitmap.FreeSlots(s.start).ForEachFree(s.start, s.provisionedEnd(), s.slotSize, func(slot uintptr) {
		for len(discarded) > 0 && discarded[0].End() <= slot {
			discarded = discarded[1:]
		}
		if len(discarded) > 0 && discarded[0].Addr <= slot {
			s.unlisted++
			return
		}
		slots = append(slots, slot)
	})
	for i := len(slots) - 1; i >= 0; i-- {
		s.link(slots[i])
	}
}

// spanList is an intrusive doubly linked list of slot spans.
type spanList struct {
	head *SlotSpan
	n    int
}

func (l *spanList) pushFront(s *SlotSpan) {
	s.list = l
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	l.n++
}

func (l *spanList) remove(s *SlotSpan) {
	if s.list != l {
		return
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next, s.list = nil, nil, nil
	l.n--
}

func (l *spanList) popFront() *SlotSpan {
	s := l.head
	if s != nil {
		l.remove(s)
	}
	return s
}

func (l *spanList) each(fn func(*SlotSpan)) {
	for s := l.head; s != nil; {
		next := s.next
		fn(s)
		s = next
	}
}
