package partition

import (
	"fmt"
	"time"

	"github.com/joshuapare/pakit/internal/vm"
	"github.com/joshuapare/pakit/partition/bitmap"
)

// PurgeFlags select what PurgeMemory gives back to the OS.
type PurgeFlags uint32

const (
	// PurgeDecommitEmptySlotSpans decommits slot spans with no allocated slot.
	PurgeDecommitEmptySlotSpans PurgeFlags = 1 << iota
	// PurgeDiscardUnusedSystemPages discards whole system pages covered by
	// free slots in partially used spans.
	PurgeDiscardUnusedSystemPages
	// PurgeLimitDuration stops after the root's purge time budget.
	PurgeLimitDuration
	// PurgeAggressiveReclaim also decommits the span each bucket would
	// otherwise keep warm.
	PurgeAggressiveReclaim
)

func (f PurgeFlags) String() string {
	return fmt.Sprintf("decommit=%t discard=%t limit=%t aggressive=%t",
		f&PurgeDecommitEmptySlotSpans != 0,
		f&PurgeDiscardUnusedSystemPages != 0,
		f&PurgeLimitDuration != 0,
		f&PurgeAggressiveReclaim != 0,
	)
}

// PurgeResult reports the bytes a purge returned.
type PurgeResult struct {
	Decommitted uintptr
	Discarded   uintptr
}

// PurgeMemory returns unused memory to the OS. It does nothing while a scan is
// running.
func (r *Root) PurgeMemory(flags PurgeFlags) PurgeResult {
	var res PurgeResult
	if r.closed.Load() {
		return res
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanInProgress() {
		r.log().Debug("partition: purge skipped during scan")
		return res
	}

	var deadline time.Time
	if flags&PurgeLimitDuration != 0 {
		deadline = time.Now().Add(r.opts.PurgeTimeBudget)
	}
	expired := func() bool { return !deadline.IsZero() && time.Now().After(deadline) }

	if flags&PurgeDecommitEmptySlotSpans != 0 {
		aggressive := flags&PurgeAggressiveReclaim != 0
		for i := range r.buckets {
			if expired() {
				break
			}
			res.Decommitted += r.decommitEmpty(&r.buckets[i], aggressive)
		}
	}
	if flags&PurgeDiscardUnusedSystemPages != 0 {
		for i := range r.buckets {
			if expired() {
				break
			}
			res.Discarded += r.discardFree(&r.buckets[i])
		}
	}
	r.counters.discarded.Add(uint64(res.Discarded))
	if res.Decommitted != 0 || res.Discarded != 0 {
		r.log().Debug("partition: purged",
			"flags", flags.String(),
			"decommitted", res.Decommitted,
			"discarded", res.Discarded,
		)
	}
	return res
}

// decommitEmpty decommits the bucket's empty spans. Unless aggressive, the
// head of the active list stays committed for the next allocation. Caller
// holds the root lock.
func (r *Root) decommitEmpty(b *Bucket, aggressive bool) uintptr {
	var total uintptr
	b.active.each(func(s *SlotSpan) {
		if !s.isEmpty() || (!aggressive && s == b.active.head) {
			return
		}
		n := s.committedEnd - s.start
		if r.decommitSpan(s) {
			total += n
		}
	})
	return total
}

// discardFree discards the system pages lying entirely inside runs of free
// slots and relinks the free list around them. Caller holds the root lock.
func (r *Root) discardFree(b *Bucket) uintptr {
	var total uintptr
	b.active.each(func(s *SlotSpan) {
		if s.freeCount == 0 || s.decommitted {
			return
		}
		ranges := vm.NewPageRanges(vm.Inner)
		bitmap.FreeSlots(s.start).ForEachFree(s.start, s.provisionedEnd(), s.slotSize, func(slot uintptr) {
			ranges.Add(slot, s.slotSize)
		})
		discarded := ranges.Coalesced()
		if len(discarded) == 0 {
			return
		}
		for _, rg := range discarded {
			if err := vm.Discard(rg.Addr, rg.Len); err != nil {
				r.log().Warn("partition: discard failed", "span", fmt.Sprintf("%#x", s.start), "err", err)
				return
			}
			total += rg.Len
		}
		s.rebuildFreeList(discarded)
	})
	return total
}
