package vm

import (
	"sort"

	"github.com/joshuapare/pakit/internal/layout"
)

// defaultRangeCapacity is the pre-allocated capacity for tracked ranges.
const defaultRangeCapacity = 64

// Range is a byte range of address space.
type Range struct {
	Addr uintptr
	Len  uintptr
}

// End returns one past the last byte of r.
func (r Range) End() uintptr { return r.Addr + r.Len }

// Rounding selects how PageRanges snaps byte ranges to page boundaries.
type Rounding int

const (
	// Outer grows each range to cover every page it touches. Use it when the
	// whole range must be affected, as with write protection.
	Outer Rounding = iota
	// Inner shrinks each range to the pages it fully covers. Use it when bytes
	// outside the range must survive, as with discarding free slot interiors.
	Inner
)

// PageRanges accumulates byte ranges and applies one page operation per
// coalesced page-aligned range.
//
// NOT thread-safe. Only one goroutine should use it at a time.
type PageRanges struct {
	ranges   []Range
	rounding Rounding
}

// NewPageRanges creates a tracker using the given rounding.
func NewPageRanges(r Rounding) *PageRanges {
	return &PageRanges{
		ranges:   make([]Range, 0, defaultRangeCapacity),
		rounding: r,
	}
}

// Add records a byte range. Alignment and merging happen at Apply time.
func (p *PageRanges) Add(addr, length uintptr) {
	if length == 0 {
		return
	}
	p.ranges = append(p.ranges, Range{Addr: addr, Len: length})
}

// Len returns the number of recorded, uncoalesced ranges.
func (p *PageRanges) Len() int { return len(p.ranges) }

// Reset clears all recorded ranges.
func (p *PageRanges) Reset() { p.ranges = p.ranges[:0] }

// Coalesced returns the page-aligned, sorted and merged ranges.
//
// Byte ranges are merged before rounding, so with Inner rounding a run of
// adjacent small ranges still yields the whole pages it covers.
func (p *PageRanges) Coalesced() []Range {
	if len(p.ranges) == 0 {
		return nil
	}

	sorted := make([]Range, len(p.ranges))
	copy(sorted, p.ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Addr < sorted[j].Addr
	})

	aligned := make([]Range, 0, len(sorted))
	for _, r := range merge(sorted) {
		var start, end uintptr
		if p.rounding == Inner {
			start = layout.AlignUp(r.Addr, layout.SystemPageSize)
			end = layout.AlignDown(r.End(), layout.SystemPageSize)
		} else {
			start = layout.AlignDown(r.Addr, layout.SystemPageSize)
			end = layout.AlignUp(r.End(), layout.SystemPageSize)
		}
		if end <= start {
			continue
		}
		aligned = append(aligned, Range{Addr: start, Len: end - start})
	}
	if len(aligned) == 0 {
		return nil
	}
	// Outer rounding can make neighbours touch again.
	return merge(aligned)
}

// merge joins overlapping or adjacent ranges of a sorted slice in place.
func merge(sorted []Range) []Range {
	out := sorted[:0]
	current := sorted[0]
	for _, next := range sorted[1:] {
		if next.Addr <= current.End() {
			if next.End() > current.End() {
				current.Len = next.End() - current.Addr
			}
			continue
		}
		out = append(out, current)
		current = next
	}
	return append(out, current)
}

// Apply calls fn once per coalesced range, stopping at the first error, then
// clears the tracker. It returns the number of bytes passed to fn.
func (p *PageRanges) Apply(fn func(addr, size uintptr) error) (uintptr, error) {
	var total uintptr
	for _, r := range p.Coalesced() {
		if err := fn(r.Addr, r.Len); err != nil {
			return total, err
		}
		total += r.Len
	}
	p.Reset()
	return total, nil
}
