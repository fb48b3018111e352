package partition

import (
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/layout"
)

type counters struct {
	allocs      atomic.Uint64
	frees       atomic.Uint64
	quarantined atomic.Uint64
	decommitted atomic.Uint64
	discarded   atomic.Uint64
}

// BucketStats describes one bucket.
type BucketStats struct {
	SlotSize         uintptr
	SpanBytes        uintptr
	ActiveSpans      int
	FullSpans        int
	EmptySpans       int
	DecommittedSpans int
	AllocatedSlots   uint64
	FreeSlots        uint64
}

// Stats is a snapshot of a root's memory use.
type Stats struct {
	Name string

	CommittedBytes   uintptr
	AllocatedBytes   uintptr // bytes in slots handed out, including thread caches and quarantine
	QuarantinedBytes uintptr
	DirectMapBytes   uintptr
	DirectMaps       int
	SuperPages       int
	ThreadCacheBytes uintptr

	Allocs, Frees    uint64
	TotalDecommitted uint64
	TotalDiscarded   uint64

	Buckets []BucketStats // buckets that ever held a span
}

// Stats collects a snapshot under the root lock.
func (r *Root) Stats() Stats {
	st := Stats{
		Name:             r.opts.Name,
		CommittedBytes:   r.CommittedBytes(),
		QuarantinedBytes: r.QuarantinedBytes(),
		Allocs:           r.counters.allocs.Load(),
		Frees:            r.counters.frees.Load(),
		TotalDecommitted: r.counters.decommitted.Load(),
		TotalDiscarded:   r.counters.discarded.Load(),
	}

	r.mu.Lock()
	st.SuperPages = len(r.superPages)
	for _, sp := range r.directMaps {
		st.DirectMaps++
		st.DirectMapBytes += sp.direct.committed
	}
	st.AllocatedBytes = st.DirectMapBytes
	for i := range r.buckets {
		b := &r.buckets[i]
		if b.numSpans == 0 {
			continue
		}
		bs := BucketStats{
			SlotSize:         b.slotSize,
			SpanBytes:        uintptr(b.numPages) * layout.PartitionPageSize,
			FullSpans:        b.numFull,
			DecommittedSpans: b.decommitted.n,
		}
		b.active.each(func(s *SlotSpan) {
			if s.isEmpty() {
				bs.EmptySpans++
			} else {
				bs.ActiveSpans++
			}
			bs.AllocatedSlots += uint64(s.allocated)
			bs.FreeSlots += uint64(s.numSlots - s.allocated)
		})
		bs.AllocatedSlots += uint64(b.numFull) * uint64(b.slotsPerSpan)
		st.AllocatedBytes += uintptr(bs.AllocatedSlots) * b.slotSize
		st.Buckets = append(st.Buckets, bs)
	}
	r.mu.Unlock()

	for _, th := range r.Threads() {
		st.ThreadCacheBytes += th.CachedBytes()
	}
	return st
}

// CommittedBytes returns the bytes the root holds committed, metadata
// included.
func (r *Root) CommittedBytes() uintptr { return uintptr(r.committed.Load()) }

// HeapSize returns the bytes in live allocations and quarantine, the
// scheduler's notion of heap size.
func (r *Root) HeapSize() uintptr {
	return r.Stats().AllocatedBytes
}
