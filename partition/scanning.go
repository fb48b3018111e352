package partition

import (
	"fmt"

	"github.com/joshuapare/pakit/partition/addrspace"
	"github.com/joshuapare/pakit/partition/bitmap"
)

// Quarantiner receives freed slots instead of the buckets. The scanner
// implements it; a root with a quarantiner attached never reuses a slot until
// a scan has shown nothing points to it.
type Quarantiner interface {
	// Epoch returns the current scan epoch.
	Epoch() uint64
	// ZeroOnQuarantine reports whether the root zeroes a slot before
	// stamping it quarantined.
	ZeroOnQuarantine() bool
	// MoveToQuarantine is told about every slot the root has just stamped
	// quarantined.
	MoveToQuarantine(r *Root, slot, size uintptr)
	// IsJoinable reports whether a scan is running that mutators can help.
	IsJoinable() bool
	// JoinScan lends the calling mutator to the running scan.
	JoinScan(th *Thread)
	// RegisterNewSuperPage is told about every bucketed superpage the root
	// adds. Caller holds the root lock.
	RegisterNewSuperPage(r *Root, superPage uintptr)
}

type quarantineRef struct{ q Quarantiner }

// EnableQuarantine attaches q. Only regular-pool roots without BackupRefPtr
// can quarantine.
func (r *Root) EnableQuarantine(q Quarantiner) error {
	if r.opts.BackupRefPtr {
		return fmt.Errorf("%w: quarantine and BackupRefPtr are exclusive", ErrInvalidOptions)
	}
	if r.pool.Handle() != addrspace.Regular {
		return fmt.Errorf("%w: quarantine needs the regular pool, root uses %s", ErrInvalidOptions, r.pool.Handle())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantine.Store(&quarantineRef{q: q})
	for _, sp := range r.superPages {
		q.RegisterNewSuperPage(r, sp.base)
	}
	return nil
}

// DisableQuarantine detaches the quarantiner. Slots already quarantined stay
// so until a final FreeQuarantined.
func (r *Root) DisableQuarantine() {
	r.quarantine.Store(nil)
}

func (r *Root) quarantiner() Quarantiner {
	if ref := r.quarantine.Load(); ref != nil {
		return ref.q
	}
	return nil
}

// Closed reports whether Close has been called.
func (r *Root) Closed() bool { return r.closed.Load() }

// IsQuarantineEnabled reports whether frees go to quarantine.
func (r *Root) IsQuarantineEnabled() bool { return r.quarantine.Load() != nil }

func (r *Root) safepoint(th *Thread) {
	if q := r.quarantiner(); q != nil && q.IsJoinable() {
		q.JoinScan(th)
	}
}

// BeginScan pins the root's memory for a scan: no slot span is decommitted
// or discarded and no direct map is unmapped until the matching EndScan.
func (r *Root) BeginScan() {
	r.mu.Lock()
	r.scanning.Add(1)
	r.mu.Unlock()
}

// EndScan releases what BeginScan pinned.
func (r *Root) EndScan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanning.Add(-1) == 0 {
		r.flushPending()
		r.scanIdle.Broadcast()
	}
}

func (r *Root) scanInProgress() bool { return r.scanning.Load() > 0 }

// SuperPages returns the bases of the root's bucketed superpages.
func (r *Root) SuperPages() []uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uintptr, len(r.superPages))
	for i, sp := range r.superPages {
		out[i] = sp.base
	}
	return out
}

// ScanArea is a committed range of provisioned slots, or a direct map
// payload when SlotSize equals the range length.
type ScanArea struct {
	Begin, End uintptr
	SlotSize   uintptr
}

// ScanAreas snapshots every range a scan must read. Call between BeginScan
// and EndScan.
func (r *Root) ScanAreas() []ScanArea {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ScanArea
	for _, sp := range r.superPages {
		for _, s := range sp.slotSpans {
			if s.decommitted || s.provisioned == 0 {
				continue
			}
			out = append(out, ScanArea{Begin: s.start, End: s.provisionedEnd(), SlotSize: s.slotSize})
		}
	}
	for _, sp := range r.directMaps {
		dm := sp.direct
		out = append(out, ScanArea{Begin: dm.payload, End: dm.payload + dm.committed, SlotSize: dm.committed})
	}
	return out
}

// FreeQuarantined returns swept slots to their buckets and reports the bytes
// released. Slots not quarantined are skipped.
func (r *Root) FreeQuarantined(slots []uintptr) uintptr {
	var freed uintptr
	r.mu.Lock()
	for _, slot := range slots {
		sp := lookupReservation(slot)
		if sp == nil || sp.root != r || sp.direct != nil {
			continue
		}
		s := sp.spanAt(slot)
		if s == nil || !bitmap.States(slot).Free(slot) {
			continue
		}
		s.bucket.free(r, s, slot)
		freed += s.slotSize
	}
	r.mu.Unlock()
	r.counters.quarantined.Add(-uint64(freed))
	return freed
}

// QuarantinedBytes returns the bytes currently in quarantine.
func (r *Root) QuarantinedBytes() uintptr { return uintptr(r.counters.quarantined.Load()) }

// LookupSlot resolves an address inside any root's allocation to its slot
// start and size, without locks. Direct maps resolve to their payload.
func LookupSlot(addr uintptr) (slot, size uintptr, ok bool) {
	sp := lookupReservation(addr)
	if sp == nil {
		return 0, 0, false
	}
	if dm := sp.direct; dm != nil {
		if addr < dm.payload || addr >= dm.payload+dm.capacity {
			return 0, 0, false
		}
		return dm.payload, dm.capacity, true
	}
	return sp.lookupSlot(addr)
}

// LookupBucketSlot is LookupSlot restricted to bucketed superpages. The
// scanner uses it to resolve candidates, since direct maps carry no state
// bitmap.
func LookupBucketSlot(addr uintptr) (slot, size uintptr, ok bool) {
	sp := lookupReservation(addr)
	if sp == nil || sp.direct != nil {
		return 0, 0, false
	}
	return sp.lookupSlot(addr)
}

func (sp *superPage) lookupSlot(addr uintptr) (slot, size uintptr, ok bool) {
	if addr < sp.payloadBegin() || addr >= sp.payloadEnd() {
		return 0, 0, false
	}
	s := sp.spanAt(addr)
	if s == nil {
		return 0, 0, false
	}
	if slot = s.slotStart(addr); slot == 0 {
		return 0, 0, false
	}
	return slot, s.slotSize, true
}

// RootOf returns the root owning addr, or nil.
func RootOf(addr uintptr) *Root {
	if sp := lookupReservation(addr); sp != nil {
		return sp.root
	}
	return nil
}

// IsDirectMapped reports whether addr lies in a direct map reservation.
func IsDirectMapped(addr uintptr) bool {
	sp := lookupReservation(addr)
	return sp != nil && sp.direct != nil
}
