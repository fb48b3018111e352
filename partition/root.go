package partition

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/logger"
	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/internal/vm"
	"github.com/joshuapare/pakit/partition/addrspace"
	"github.com/joshuapare/pakit/partition/bitmap"
)

// AllocFlags modify a single allocation.
type AllocFlags uint32

const (
	// FlagReturnNull makes a failed allocation return 0 instead of crashing.
	FlagReturnNull AllocFlags = 1 << iota
	// FlagZeroFill zeroes the usable bytes of the allocation.
	FlagZeroFill
)

// brpRefCountSize is the trailer reserved in every slot of a BackupRefPtr
// partition.
const brpRefCountSize = 8

// metadataCommitSize is what a bucketed superpage commits up front: the header
// page and the three bitmaps.
const metadataCommitSize = layout.MetadataSize + layout.PayloadOffset - layout.FreeSlotBitmapOffset

// Root is one partition: an independent heap with its own buckets, superpages
// and lock, allocating from a single pool.
type Root struct {
	opts    Options
	as      *addrspace.AddressSpace
	pool    *addrspace.Pool
	reg     *registry
	classes *sizeClassTable
	extras  uintptr
	maxSize uintptr

	mu            sync.Mutex
	buckets       []Bucket
	superPages    []*superPage
	current       *superPage
	directMaps    map[uintptr]*superPage
	pending       []*superPage // direct maps whose release waits for a scan to end
	pendingStacks []*ShadowStack
	ring          []*SlotSpan
	ringNext      int
	directTag     uint8

	committed atomic.Uint64
	closed    atomic.Bool
	counters  counters

	quarantine atomic.Pointer[quarantineRef]
	scanning   atomic.Int32
	scanIdle   *sync.Cond // signalled on r.mu when scanning drops to zero

	threadsMu sync.Mutex
	threads   map[*Thread]struct{}
	threadIDs atomic.Uint64
}

// New creates a root. The process-wide address space must be initialised
// unless opts.AddressSpace is set.
func New(opts Options) (*Root, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.AddressSpace == nil {
		return nil, ErrNoAddressSpace
	}
	pool := opts.AddressSpace.Pool(opts.Pool)
	if pool == nil {
		return nil, fmt.Errorf("%w: %s", addrspace.ErrNoSuchPool, opts.Pool)
	}

	r := &Root{
		opts:       opts,
		as:         opts.AddressSpace,
		pool:       pool,
		reg:        registryFor(opts.AddressSpace),
		classes:    newSizeClassTable(*opts.SizeClasses),
		maxSize:    pool.Size() / 2,
		directMaps: make(map[uintptr]*superPage),
		ring:       make([]*SlotSpan, opts.EmptySlotSpanRingSize),
		threads:    make(map[*Thread]struct{}),
	}
	r.scanIdle = sync.NewCond(&r.mu)
	if opts.BackupRefPtr {
		r.extras = brpRefCountSize
	}
	r.buckets = make([]Bucket, r.classes.NumClasses())
	for i, size := range r.classes.sizes {
		r.buckets[i] = newBucket(i, size)
	}
	logger.Debug("partition: root created",
		"name", opts.Name,
		"pool", opts.Pool.String(),
		"buckets", len(r.buckets),
		"size_classes", r.classes.String(),
	)
	return r, nil
}

// Name returns the partition name.
func (r *Root) Name() string { return r.opts.Name }

// Options returns the effective options.
func (r *Root) Options() Options { return r.opts }

// Pool returns the pool the root allocates from.
func (r *Root) Pool() *addrspace.Pool { return r.pool }

func (r *Root) log() *slog.Logger { return logger.L().With("root", r.opts.Name) }

// Alloc returns size bytes or crashes.
func (r *Root) Alloc(size uintptr) uintptr {
	return r.AllocFlags(size, 0)
}

// TryAlloc returns size bytes, or ErrOutOfMemory / ErrSizeOverflow.
func (r *Root) TryAlloc(size uintptr) (uintptr, error) {
	return r.alloc(nil, size, 0, 0)
}

// AllocFlags allocates with flags. Without FlagReturnNull a failure crashes.
func (r *Root) AllocFlags(size uintptr, flags AllocFlags) uintptr {
	return r.checked(r.alloc(nil, size, 0, flags))(size, flags)
}

// Calloc allocates n*size zeroed bytes or crashes.
func (r *Root) Calloc(n, size uintptr) uintptr {
	total, ok := mem.MulOverflowSafe(n, size)
	if !ok {
		crash.OOM(size, fmt.Sprintf("calloc %d x %d overflows", n, size))
	}
	return r.AllocFlags(total, FlagZeroFill)
}

// AlignedAlloc returns size bytes aligned to alignment or crashes.
func (r *Root) AlignedAlloc(alignment, size uintptr) uintptr {
	return r.checked(r.alloc(nil, size, alignment, 0))(size, 0)
}

// TryAlignedAlloc is AlignedAlloc returning errors instead of crashing.
func (r *Root) TryAlignedAlloc(alignment, size uintptr) (uintptr, error) {
	return r.alloc(nil, size, alignment, 0)
}

// Free releases addr. Zero is ignored.
func (r *Root) Free(addr uintptr) {
	r.free(nil, addr)
}

// Realloc resizes addr to size, in place when it still fits its slot. A zero
// addr allocates; a zero size frees and returns 0. Crashes on failure.
func (r *Root) Realloc(addr, size uintptr) uintptr {
	return r.checked(r.realloc(nil, addr, size))(size, 0)
}

// TryRealloc is Realloc returning errors instead of crashing. On error addr
// is left untouched.
func (r *Root) TryRealloc(addr, size uintptr) (uintptr, error) {
	return r.realloc(nil, addr, size)
}

// checked turns an error into a crash unless the caller asked for null.
func (r *Root) checked(addr uintptr, err error) func(size uintptr, flags AllocFlags) uintptr {
	return func(size uintptr, flags AllocFlags) uintptr {
		if err == nil {
			return addr
		}
		if flags&FlagReturnNull != 0 {
			return 0
		}
		crash.OOM(size, err.Error())
		return 0
	}
}

// Bytes returns a slice aliasing n bytes at addr.
func (r *Root) Bytes(addr, n uintptr) []byte {
	return mem.Bytes(addr, n)
}

// UsableSize returns the number of bytes the caller may use at addr, which
// must be an allocation start returned by this root.
func (r *Root) UsableSize(addr uintptr) uintptr {
	sp := r.resolve(addr)
	if sp.direct != nil {
		return sp.direct.committed - r.extras
	}
	s := sp.spanAt(addr)
	if s == nil {
		crash.InvalidFree(addr, "not inside a slot span")
	}
	return s.slotSize - r.extras
}

// resolve returns the reservation holding addr, crashing if this root does
// not own it.
func (r *Root) resolve(addr uintptr) *superPage {
	sp := lookupReservation(addr)
	if sp == nil || sp.root != r {
		crash.InvalidFree(addr, "address not owned by partition "+r.opts.Name)
	}
	return sp
}

// rawSize adds the per-slot overhead to size.
func (r *Root) rawSize(size uintptr) (uintptr, error) {
	raw, ok := mem.AddOverflowSafe(max(size, 1), r.extras)
	if !ok || raw > r.maxSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrSizeOverflow, size)
	}
	return raw, nil
}

// bucketFor selects the bucket for raw bytes at alignment, or -1 for the
// direct map path.
func (r *Root) bucketFor(raw, alignment uintptr) int {
	switch {
	case alignment <= layout.SlotAlignment:
		return r.classes.index(raw)
	case alignment <= layout.PartitionPageSize:
		// Power-of-two slots carved from partition-page aligned spans are
		// naturally aligned to their size.
		return r.classes.powerOfTwoIndex(max(raw, alignment))
	default:
		return -1
	}
}

func (r *Root) alloc(th *Thread, size, alignment uintptr, flags AllocFlags) (uintptr, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if alignment != 0 && (!layout.IsPowerOfTwo(alignment) || alignment > layout.MaxDirectMapAlignment) {
		return 0, fmt.Errorf("%w: %d", ErrBadAlignment, alignment)
	}
	raw, err := r.rawSize(size)
	if err != nil {
		return 0, err
	}
	if th != nil {
		th.enter()
		defer th.exit()
	}

	var addr, usable uintptr
	if idx := r.bucketFor(raw, alignment); idx >= 0 {
		b := &r.buckets[idx]
		if th != nil {
			addr = th.cachedAlloc(b)
		}
		if addr == 0 {
			r.mu.Lock()
			addr, err = b.alloc(r)
			r.mu.Unlock()
			if err != nil {
				return 0, err
			}
		}
		r.onSlotAllocated(addr, b.slotSize)
		usable = b.slotSize - r.extras
	} else {
		if addr, err = r.allocDirect(raw, alignment); err != nil {
			return 0, err
		}
		usable = size
	}

	if flags&FlagZeroFill != 0 {
		mem.Zero(addr, usable)
	}
	r.counters.allocs.Add(1)
	if logAlloc {
		r.log().Debug("alloc", "addr", fmt.Sprintf("%#x", addr), "size", size, "usable", usable)
	}
	if h := r.opts.Hooks.OnAlloc; h != nil {
		h(addr, size, r.opts.Name)
	}
	return addr, nil
}

// onSlotAllocated runs the per-slot bookkeeping of every user-facing
// allocation from a bucket.
func (r *Root) onSlotAllocated(slot, slotSize uintptr) {
	if !bitmap.States(slot).Allocate(slot) {
		crash.Freelist(slot, "slot handed out while not free")
	}
	if r.opts.Tagging {
		bitmap.IncrementTag(slot, slotSize)
	}
	if r.opts.BackupRefPtr {
		brpCount(slot, slotSize).Store(brpLive)
	}
}

func (r *Root) free(th *Thread, addr uintptr) {
	if addr == 0 {
		return
	}
	sp := r.resolve(addr)
	if th != nil {
		r.safepoint(th)
		th.enter()
		defer th.exit()
	}
	if h := r.opts.Hooks.OnFree; h != nil {
		h(addr)
	}
	r.counters.frees.Add(1)
	if logAlloc {
		r.log().Debug("free", "addr", fmt.Sprintf("%#x", addr))
	}

	if sp.direct != nil {
		if addr != sp.direct.payload {
			crash.InvalidFree(addr, "interior pointer into direct map")
		}
		if r.opts.BackupRefPtr && !brpRelease(directRefCount(sp.base), addr, sp.direct.committed-r.extras) {
			return
		}
		r.mu.Lock()
		r.releaseDirect(sp)
		r.mu.Unlock()
		return
	}
	s := sp.spanAt(addr)
	if s == nil || s.slotStart(addr) != addr {
		crash.InvalidFree(addr, "not a slot start")
	}
	if r.opts.BackupRefPtr && !brpRelease(brpCount(addr, s.slotSize), addr, s.slotSize-r.extras) {
		return
	}
	r.freeSlot(th, s, addr)
}

// freeSlot retires a slot whose owner is done with it: into quarantine when a
// scanner is attached, otherwise back to the thread cache or bucket.
func (r *Root) freeSlot(th *Thread, s *SlotSpan, slot uintptr) {
	states := bitmap.States(slot)
	if q := r.quarantiner(); q != nil {
		// Zero while the slot still reads allocated: once stamped, a scan
		// may write-protect its pages.
		if q.ZeroOnQuarantine() {
			if !states.IsAllocated(slot) {
				crash.Double(slot)
			}
			mem.Zero(slot, s.slotSize)
		}
		epoch := q.Epoch()
		if !states.Quarantine(slot, epoch) {
			crash.Double(slot)
		}
		// A scan may have started between reading the epoch and stamping;
		// restamp so the slot survives that scan's sweep.
		if now := q.Epoch(); now != epoch {
			states.MarkQuarantinedAsReachable(slot, now)
		}
		r.counters.quarantined.Add(uint64(s.slotSize))
		q.MoveToQuarantine(r, slot, s.slotSize)
		return
	}
	if !states.Deallocate(slot) {
		crash.Double(slot)
	}
	if th != nil && th.cachedFree(s.bucket, slot) {
		return
	}
	r.mu.Lock()
	s.bucket.free(r, s, slot)
	r.mu.Unlock()
}

func (r *Root) realloc(th *Thread, addr, size uintptr) (uintptr, error) {
	if addr == 0 {
		return r.alloc(th, size, 0, 0)
	}
	if size == 0 {
		r.free(th, addr)
		return 0, nil
	}
	raw, err := r.rawSize(size)
	if err != nil {
		return 0, err
	}
	sp := r.resolve(addr)
	var oldUsable uintptr
	if sp.direct != nil {
		if r.tryResizeDirect(sp, raw) {
			return addr, nil
		}
		oldUsable = sp.direct.committed - r.extras
	} else {
		s := sp.spanAt(addr)
		if s == nil || s.slotStart(addr) != addr {
			crash.InvalidFree(addr, "not a slot start")
		}
		if idx := r.classes.index(raw); idx >= 0 && r.buckets[idx].slotSize == s.slotSize {
			return addr, nil
		}
		oldUsable = s.slotSize - r.extras
	}
	n, err := r.alloc(th, size, 0, 0)
	if err != nil {
		return 0, err
	}
	mem.Copy(n, addr, min(oldUsable, size))
	r.free(th, addr)
	return n, nil
}

// BatchAlloc fills out with allocations of size bytes, taking the root lock
// once for bucketed sizes. It returns how many were allocated.
func (r *Root) BatchAlloc(size uintptr, out []uintptr) int {
	if r.closed.Load() {
		return 0
	}
	raw, err := r.rawSize(size)
	if err != nil {
		return 0
	}
	idx := r.bucketFor(raw, 0)
	if idx < 0 {
		for i := range out {
			a, err := r.alloc(nil, size, 0, 0)
			if err != nil {
				return i
			}
			out[i] = a
		}
		return len(out)
	}
	b := &r.buckets[idx]
	n := 0
	r.mu.Lock()
	for n < len(out) {
		a, err := b.alloc(r)
		if err != nil {
			break
		}
		out[n] = a
		n++
	}
	r.mu.Unlock()
	for _, a := range out[:n] {
		r.onSlotAllocated(a, b.slotSize)
		if h := r.opts.Hooks.OnAlloc; h != nil {
			h(a, size, r.opts.Name)
		}
	}
	r.counters.allocs.Add(uint64(n))
	return n
}

// BatchFree frees every address in addrs. Plain bucketed slots are returned
// under a single lock acquisition.
func (r *Root) BatchFree(addrs []uintptr) {
	type pending struct {
		s    *SlotSpan
		slot uintptr
	}
	var batch []pending
	simple := r.quarantiner() == nil && !r.opts.BackupRefPtr
	for _, a := range addrs {
		if a == 0 {
			continue
		}
		sp := r.resolve(a)
		if !simple || sp.direct != nil {
			r.free(nil, a)
			continue
		}
		s := sp.spanAt(a)
		if s == nil || s.slotStart(a) != a {
			crash.InvalidFree(a, "not a slot start")
		}
		if h := r.opts.Hooks.OnFree; h != nil {
			h(a)
		}
		if !bitmap.States(a).Deallocate(a) {
			crash.Double(a)
		}
		batch = append(batch, pending{s, a})
	}
	if len(batch) == 0 {
		return
	}
	r.mu.Lock()
	for _, p := range batch {
		p.s.bucket.free(r, p.s, p.slot)
	}
	r.mu.Unlock()
	r.counters.frees.Add(uint64(len(batch)))
}

// newSuperPage reserves, commits and registers one bucketed superpage.
// Caller holds the root lock.
func (r *Root) newSuperPage() (*superPage, error) {
	base, err := r.pool.AllocSuperPages(1)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	if err := vm.Commit(base+layout.MetadataOffset, layout.MetadataSize); err != nil {
		r.pool.FreeSuperPages(base, 1)
		return nil, fmt.Errorf("%w: commit metadata: %w", ErrOutOfMemory, err)
	}
	bitmapsSize := uintptr(layout.PayloadOffset - layout.FreeSlotBitmapOffset)
	if err := vm.Commit(base+layout.FreeSlotBitmapOffset, bitmapsSize); err != nil {
		_ = vm.Decommit(base+layout.MetadataOffset, layout.MetadataSize)
		r.pool.FreeSuperPages(base, 1)
		return nil, fmt.Errorf("%w: commit bitmaps: %w", ErrOutOfMemory, err)
	}
	writeHeader(base, kindNormal, r.headerFlags(), 0, layout.PayloadOffset, layout.SuperPageSize)

	sp := &superPage{root: r, base: base, next: layout.FirstPayloadPartitionPage}
	r.reg.slot(r.pool, base).Store(sp)
	r.pool.Offsets().SetNormalBuckets(base)
	r.superPages = append(r.superPages, sp)
	r.current = sp
	r.committed.Add(metadataCommitSize)

	if q := r.quarantiner(); q != nil {
		q.RegisterNewSuperPage(r, base)
	}
	r.log().Debug("partition: superpage added", "base", fmt.Sprintf("%#x", base), "total", len(r.superPages))
	return sp, nil
}

func (r *Root) headerFlags() uint8 {
	var f uint8
	if r.opts.Tagging {
		f |= flagTagging
	}
	if r.opts.BackupRefPtr {
		f |= flagBRP
	}
	return f
}

// Close releases every superpage and direct map back to the pool. It
// detaches the quarantiner and waits for a running scan to leave the root.
// All Threads must be closed and no other goroutine may use the root.
func (r *Root) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	r.threadsMu.Lock()
	open := len(r.threads)
	r.threadsMu.Unlock()
	if open != 0 {
		r.log().Warn("partition: closing root with live threads", "threads", open)
	}

	r.quarantine.Store(nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.scanning.Load() > 0 {
		r.scanIdle.Wait()
	}
	var firstErr error
	for _, sp := range r.directMaps {
		r.unmapDirect(sp)
	}
	r.flushPending()
	for _, sp := range r.superPages {
		r.pool.Offsets().Clear(sp.base, 1)
		r.reg.slot(r.pool, sp.base).Store(nil)
		// Decommit drops every page, so bitmaps read zero on reuse.
		if err := vm.Decommit(sp.base, layout.SuperPageSize); err != nil && firstErr == nil {
			firstErr = err
		}
		r.pool.FreeSuperPages(sp.base, 1)
	}
	r.superPages = nil
	r.current = nil
	r.committed.Store(0)
	r.counters.quarantined.Store(0)
	return firstErr
}
