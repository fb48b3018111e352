package partition

import (
	"fmt"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/vm"
	"github.com/joshuapare/pakit/partition/bitmap"
)

// directMap is an allocation too large for any bucket. It owns a whole
// reservation of superpages: the header page, a gap up to the payload
// alignment, the payload and at least one trailing guard page.
type directMap struct {
	reservation   uintptr
	reserved      uintptr
	numSuperPages int
	payload       uintptr
	size          uintptr // raw bytes last requested
	committed     uintptr // committed payload bytes
	capacity      uintptr // payload bytes before the guard page
	freed         bool    // release deferred until the running scan ends
}

func (r *Root) allocDirect(raw, alignment uintptr) (uintptr, error) {
	payloadOff := max(layout.PartitionPageSize, alignment)
	commit := layout.AlignSystemPage(raw)
	reserved := layout.AlignUp(payloadOff+commit+layout.SystemPageSize, layout.SuperPageSize)
	n := int(reserved >> layout.SuperPageShift)

	base, err := r.pool.AllocSuperPages(n)
	if err != nil {
		return 0, fmt.Errorf("%w: direct map of %d bytes: %w", ErrOutOfMemory, raw, err)
	}
	if err := vm.Commit(base+layout.MetadataOffset, layout.MetadataSize); err != nil {
		r.pool.FreeSuperPages(base, n)
		return 0, fmt.Errorf("%w: commit direct map header: %w", ErrOutOfMemory, err)
	}
	if err := vm.Commit(base+payloadOff, commit); err != nil {
		_ = vm.Decommit(base+layout.MetadataOffset, layout.MetadataSize)
		r.pool.FreeSuperPages(base, n)
		return 0, fmt.Errorf("%w: commit direct map payload: %w", ErrOutOfMemory, err)
	}

	dm := &directMap{
		reservation:   base,
		reserved:      reserved,
		numSuperPages: n,
		payload:       base + payloadOff,
		size:          raw,
		committed:     commit,
		capacity:      reserved - payloadOff - layout.SystemPageSize,
	}
	sp := &superPage{root: r, base: base, direct: dm}
	writeHeader(base, kindDirectMap, r.headerFlags(), commit, payloadOff, reserved)

	r.mu.Lock()
	r.directTag = bitmap.NextTag(r.directTag)
	setHeaderTag(base, r.directTag)
	if r.opts.BackupRefPtr {
		directRefCount(base).Store(brpLive)
	}
	r.reg.slot(r.pool, base).Store(sp)
	r.pool.Offsets().SetDirectMap(base, n)
	r.directMaps[base] = sp
	r.mu.Unlock()

	r.committed.Add(uint64(layout.MetadataSize + commit))
	r.log().Debug("partition: direct map",
		"addr", fmt.Sprintf("%#x", dm.payload),
		"size", raw,
		"superpages", n,
	)
	return dm.payload, nil
}

// tryResizeDirect grows or shrinks a direct map in place when the new size
// fits its reservation. Sizes a bucket can serve move to the bucket instead.
func (r *Root) tryResizeDirect(sp *superPage, raw uintptr) bool {
	dm := sp.direct
	need := layout.AlignSystemPage(raw)
	if raw <= layout.MaxBucketed || need > dm.capacity {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dm.freed {
		crash.InvalidFree(dm.payload, "realloc of freed direct map")
	}
	switch {
	case need > dm.committed:
		if err := vm.Commit(dm.payload+dm.committed, need-dm.committed); err != nil {
			return false
		}
		r.committed.Add(uint64(need - dm.committed))
	case need < dm.committed && r.scanInProgress():
		// The scanner may be reading the tail; keep it committed.
		need = dm.committed
	case need < dm.committed:
		if err := vm.Decommit(dm.payload+need, dm.committed-need); err != nil {
			return false
		}
		r.committed.Add(-uint64(dm.committed - need))
	}
	dm.committed = need
	dm.size = raw
	writeHeader(dm.reservation, kindDirectMap, r.headerFlags(), need, dm.payload-dm.reservation, dm.reserved)
	return true
}

// releaseDirect frees a direct map, or parks it until the running scan has
// finished reading it. Caller holds the root lock.
func (r *Root) releaseDirect(sp *superPage) {
	dm := sp.direct
	if dm.freed {
		crash.Double(dm.payload)
	}
	dm.freed = true
	delete(r.directMaps, sp.base)
	if r.scanInProgress() {
		r.pending = append(r.pending, sp)
		return
	}
	r.unmapDirect(sp)
}

// unmapDirect returns a direct map's reservation to the pool. Caller holds
// the root lock.
func (r *Root) unmapDirect(sp *superPage) {
	dm := sp.direct
	r.pool.Offsets().Clear(sp.base, dm.numSuperPages)
	r.reg.slot(r.pool, sp.base).Store(nil)
	if err := vm.Decommit(sp.base, dm.reserved); err != nil {
		r.log().Warn("partition: decommit direct map failed", "addr", fmt.Sprintf("%#x", dm.payload), "err", err)
	}
	r.committed.Add(-uint64(layout.MetadataSize + dm.committed))
	r.pool.FreeSuperPages(sp.base, dm.numSuperPages)
}

// flushPending releases the direct maps and shadow stacks freed while a scan
// was running.
// Caller holds the root lock.
func (r *Root) flushPending() {
	for _, sp := range r.pending {
		r.unmapDirect(sp)
	}
	r.pending = r.pending[:0]
	for _, st := range r.pendingStacks {
		if err := st.Release(); err != nil {
			r.log().Warn("partition: release shadow stack failed", "err", err)
		}
	}
	r.pendingStacks = r.pendingStacks[:0]
}
