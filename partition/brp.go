package partition

import (
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/mem"
)

// BackupRefPtr reference counts live in the last eight bytes of every slot
// (in the header for direct maps). Bit 0 is set while the owner has not freed
// the allocation; each outstanding reference adds 2.
const (
	brpLive     = 1
	brpRef      = 2
	brpMaxCount = 1 << 62
	brpPoison   = 0xEF
)

func brpCount(slot, slotSize uintptr) *atomic.Uint64 {
	return mem.AtomicU64(slot + slotSize - brpRefCountSize)
}

func directRefCount(reservation uintptr) *atomic.Uint64 {
	return mem.AtomicU64(headerAddr(reservation) + hdrRefCount)
}

// brpRelease clears the live bit on the owner's free. It reports whether the
// memory can be released now; when references remain the usable bytes are
// poisoned and the release waits for the last ReleaseBackupRef.
func brpRelease(c *atomic.Uint64, addr, usable uintptr) bool {
	for {
		old := c.Load()
		if old&brpLive == 0 {
			crash.Double(addr)
		}
		if c.CompareAndSwap(old, old&^brpLive) {
			if old == brpLive {
				return true
			}
			mem.Fill(addr, usable, brpPoison)
			return false
		}
	}
}

// refCountFor resolves addr to its allocation start and reference count in a
// BackupRefPtr partition.
func refCountFor(addr uintptr) (sp *superPage, start uintptr, c *atomic.Uint64, ok bool) {
	sp = lookupReservation(addr)
	if sp == nil || !sp.root.opts.BackupRefPtr {
		return nil, 0, nil, false
	}
	if dm := sp.direct; dm != nil {
		if addr < dm.payload || addr >= dm.payload+dm.committed {
			return nil, 0, nil, false
		}
		return sp, dm.payload, directRefCount(sp.base), true
	}
	s := sp.spanAt(addr)
	if s == nil {
		return nil, 0, nil, false
	}
	if start = s.slotStart(addr); start == 0 {
		return nil, 0, nil, false
	}
	return sp, start, brpCount(start, s.slotSize), true
}

// AcquireBackupRef takes a reference on the allocation holding addr. It
// returns false if addr is not in a BackupRefPtr partition or the allocation
// is already gone.
func AcquireBackupRef(addr uintptr) bool {
	_, start, c, ok := refCountFor(addr)
	if !ok {
		return false
	}
	for {
		old := c.Load()
		if old == 0 {
			return false
		}
		if old >= brpMaxCount {
			crash.Fatal(&crash.Error{Kind: crash.RefCountOverflow, Addr: start, Detail: "too many backup references"})
		}
		if c.CompareAndSwap(old, old+brpRef) {
			return true
		}
	}
}

// ReleaseBackupRef drops a reference taken by AcquireBackupRef. Dropping the
// last reference to an allocation its owner already freed completes the free.
func ReleaseBackupRef(addr uintptr) {
	sp, start, c, ok := refCountFor(addr)
	if !ok {
		return
	}
	n := c.Add(^uint64(brpRef - 1))
	if n&^brpLive >= brpMaxCount {
		crash.Fatal(&crash.Error{Kind: crash.RefCountOverflow, Addr: start, Detail: "backup reference released twice"})
	}
	if n != 0 {
		return
	}
	r := sp.root
	if sp.direct != nil {
		r.mu.Lock()
		r.releaseDirect(sp)
		r.mu.Unlock()
		return
	}
	r.freeSlot(nil, sp.spanAt(start), start)
}

// BackupRefCount returns the number of outstanding references on the
// allocation holding addr and whether its owner still holds it.
func BackupRefCount(addr uintptr) (refs uint64, live bool) {
	_, _, c, ok := refCountFor(addr)
	if !ok {
		return 0, false
	}
	v := c.Load()
	return v >> 1, v&brpLive != 0
}

// HasBackupRef reports whether addr lies in an allocation of a BackupRefPtr
// partition.
func HasBackupRef(addr uintptr) bool {
	_, _, _, ok := refCountFor(addr)
	return ok
}
