package partition

import (
	"fmt"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/vm"
	"github.com/joshuapare/pakit/partition/bitmap"
)

// Bucket is one size class of a root.
//
// Slot spans with at least one free or unprovisioned slot sit on the active
// list, most recently freed-into first. Full spans are on no list. Spans whose
// pages were returned to the OS sit on the decommitted list until reused.
// All fields are guarded by the root lock.
type Bucket struct {
	index        int
	slotSize     uintptr
	numPages     int
	slotsPerSpan uint32

	active      spanList
	decommitted spanList
	numFull     int
	numSpans    int
}

func newBucket(index int, slotSize uintptr) Bucket {
	pages := spanPagesFor(slotSize)
	return Bucket{
		index:        index,
		slotSize:     slotSize,
		numPages:     pages,
		slotsPerSpan: uint32(uintptr(pages) * layout.PartitionPageSize / slotSize),
	}
}

// spanPagesFor picks the slot span size, in partition pages, that wastes the
// smallest fraction of its bytes on the tail that cannot hold a whole slot.
func spanPagesFor(slotSize uintptr) int {
	best, bestWaste := 0, uintptr(0)
	for n := 1; n <= layout.MaxPartitionPagesPerSlotSpan; n++ {
		bytes := uintptr(n) * layout.PartitionPageSize
		if bytes < slotSize {
			continue
		}
		// waste per byte, scaled to avoid floats
		waste := (bytes % slotSize) * (1 << 16) / bytes
		if best == 0 || waste < bestWaste {
			best, bestWaste = n, waste
		}
		if waste == 0 {
			break
		}
	}
	return best
}

// SlotSize returns the bucket's slot size.
func (b *Bucket) SlotSize() uintptr { return b.slotSize }

// alloc returns a slot from the first span with room, making a new span when
// none has any. Caller holds the root lock.
func (b *Bucket) alloc(r *Root) (uintptr, error) {
	s := b.active.head
	for s != nil && !s.hasFree() {
		// Full spans normally leave the list as they fill.
		next := s.next
		b.active.remove(s)
		b.numFull++
		s = next
	}
	if s == nil {
		var err error
		if s, err = r.newSlotSpan(b); err != nil {
			return 0, err
		}
		b.active.pushFront(s)
	}
	slot, err := s.allocSlot(r)
	if err != nil {
		return 0, err
	}
	if s.isFull() {
		b.active.remove(s)
		b.numFull++
	}
	return slot, nil
}

// free returns slot to span s. Caller holds the root lock.
func (b *Bucket) free(r *Root, s *SlotSpan, slot uintptr) {
	wasFull := s.isFull()
	s.pushFree(slot)
	s.allocated--
	if wasFull {
		b.numFull--
		b.active.pushFront(s)
	}
	if s.isEmpty() {
		r.registerEmpty(s)
	}
}

// newSlotSpan revives a decommitted span or carves a fresh one from the
// current superpage. Caller holds the root lock.
func (r *Root) newSlotSpan(b *Bucket) (*SlotSpan, error) {
	if s := b.decommitted.popFront(); s != nil {
		if err := r.recommit(s); err != nil {
			b.decommitted.pushFront(s)
			return nil, err
		}
		return s, nil
	}

	sp := r.current
	if sp == nil || sp.next+b.numPages > layout.EndPayloadPartitionPage {
		var err error
		if sp, err = r.newSuperPage(); err != nil {
			return nil, err
		}
	}
	start := sp.base + uintptr(sp.next)<<layout.PartitionPageShift
	s := &SlotSpan{
		bucket:       b,
		sp:           sp,
		start:        start,
		numPages:     b.numPages,
		slotSize:     b.slotSize,
		numSlots:     b.slotsPerSpan,
		committedEnd: start,
		ringIndex:    -1,
	}
	if !r.opts.LazyCommit {
		if err := vm.Commit(start, s.Bytes()); err != nil {
			return nil, fmt.Errorf("%w: commit slot span: %w", ErrOutOfMemory, err)
		}
		s.committedEnd = s.end()
		r.committed.Add(uint64(s.Bytes()))
	}
	for i := 0; i < b.numPages; i++ {
		sp.spans[sp.next+i].Store(s)
	}
	sp.next += b.numPages
	sp.slotSpans = append(sp.slotSpans, s)
	b.numSpans++
	return s, nil
}

// recommit brings a decommitted span back. Under lazy commit pages come back
// one slot at a time through provision.
func (r *Root) recommit(s *SlotSpan) error {
	s.committedEnd = s.start
	if !r.opts.LazyCommit {
		if err := vm.Commit(s.start, s.Bytes()); err != nil {
			return fmt.Errorf("%w: recommit slot span: %w", ErrOutOfMemory, err)
		}
		s.committedEnd = s.end()
		r.committed.Add(uint64(s.Bytes()))
	}
	s.decommitted = false
	return nil
}

// decommitSpan returns an empty span's pages to the OS. It refuses while a
// scan may be reading the span. Caller holds the root lock.
func (r *Root) decommitSpan(s *SlotSpan) bool {
	if !s.isEmpty() || s.decommitted || r.scanInProgress() {
		return false
	}
	n := s.committedEnd - s.start
	if n > 0 {
		if err := vm.Decommit(s.start, n); err != nil {
			r.log().Warn("partition: decommit failed", "span", fmt.Sprintf("%#x", s.start), "err", err)
			return false
		}
	}
	if s.ringIndex >= 0 {
		r.ring[s.ringIndex] = nil
		s.ringIndex = -1
	}
	bitmap.FreeSlots(s.start).Reset(s.start, s.provisionedEnd(), s.slotSize)
	s.freeHead, s.freeCount, s.unlisted, s.provisioned = 0, 0, 0, 0
	s.committedEnd = s.start
	s.decommitted = true
	b := s.bucket
	b.active.remove(s)
	b.decommitted.pushFront(s)
	r.committed.Add(-uint64(n))
	r.counters.decommitted.Add(uint64(n))
	return true
}

// registerEmpty parks a newly emptied span in the ring, decommitting the span
// it displaces. Caller holds the root lock.
func (r *Root) registerEmpty(s *SlotSpan) {
	if s.ringIndex >= 0 {
		return
	}
	if len(r.ring) == 0 {
		r.decommitSpan(s)
		return
	}
	i := r.ringNext
	r.ringNext = (i + 1) % len(r.ring)
	if old := r.ring[i]; old != nil {
		old.ringIndex = -1
		r.ring[i] = nil
		r.decommitSpan(old)
	}
	r.ring[i] = s
	s.ringIndex = i
}
