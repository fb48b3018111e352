package partition

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/mem"
)

// purgeCheckInterval is how many cache operations pass between checks of the
// time-based purge.
const purgeCheckInterval = 128

// threadCacheBytesPerBucket sizes each bucket's cache: small slots get more
// entries, large ones fewer.
const threadCacheBytesPerBucket = 64 << 10

type threadCacheBucket struct {
	slots []uintptr
	limit int
}

// Thread is a mutator handle owned by a single goroutine. It caches small
// slots to skip the root lock, carries the reentrancy guard and owns a shadow
// stack the scanner treats as the goroutine's stack.
//
// A Thread must not be used from more than one goroutine at a time.
type Thread struct {
	root *Root
	id   uint64

	cache       []threadCacheBucket
	cachedBytes atomic.Uintptr
	ops         uint32
	lastPurge   time.Time

	purgeRequested atomic.Bool
	busy           atomic.Bool

	stack  *ShadowStack
	closed bool
}

// NewThread registers a new mutator with the root.
func (r *Root) NewThread() (*Thread, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	st, err := NewShadowStack(DefaultShadowStackWords)
	if err != nil {
		return nil, err
	}
	th := &Thread{
		root:      r,
		id:        r.threadIDs.Add(1),
		lastPurge: time.Now(),
		stack:     st,
	}
	if r.opts.ThreadCache {
		th.cache = make([]threadCacheBucket, len(r.buckets))
		for i := range r.buckets {
			th.cache[i].limit = cacheLimit(r.buckets[i].slotSize, r.opts.ThreadCacheConfig.MaxCount)
		}
	}
	r.threadsMu.Lock()
	r.threads[th] = struct{}{}
	r.threadsMu.Unlock()
	return th, nil
}

func cacheLimit(slotSize uintptr, maxCount int) int {
	n := int(threadCacheBytesPerBucket / slotSize)
	return max(min(n, maxCount), min(8, maxCount))
}

// Threads returns a snapshot of the root's open threads.
func (r *Root) Threads() []*Thread {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	out := make([]*Thread, 0, len(r.threads))
	for th := range r.threads {
		out = append(out, th)
	}
	return out
}

// PurgeThreadCaches asks every thread to return its cached slots at its next
// allocator call.
func (r *Root) PurgeThreadCaches() {
	for _, th := range r.Threads() {
		th.purgeRequested.Store(true)
	}
}

// ID returns the thread's id, unique within its root.
func (th *Thread) ID() uint64 { return th.id }

// Root returns the owning root.
func (th *Thread) Root() *Root { return th.root }

// Stack returns the thread's shadow stack.
func (th *Thread) Stack() *ShadowStack { return th.stack }

// CachedBytes returns the bytes currently held in the thread cache.
func (th *Thread) CachedBytes() uintptr { return th.cachedBytes.Load() }

// Alloc returns size bytes or crashes.
func (th *Thread) Alloc(size uintptr) uintptr {
	return th.AllocFlags(size, 0)
}

// TryAlloc returns size bytes or an error.
func (th *Thread) TryAlloc(size uintptr) (uintptr, error) {
	return th.root.alloc(th, size, 0, 0)
}

// AllocFlags allocates with flags.
func (th *Thread) AllocFlags(size uintptr, flags AllocFlags) uintptr {
	return th.root.checked(th.root.alloc(th, size, 0, flags))(size, flags)
}

// Calloc allocates n*size zeroed bytes or crashes.
func (th *Thread) Calloc(n, size uintptr) uintptr {
	total, ok := mem.MulOverflowSafe(n, size)
	if !ok {
		crash.OOM(size, fmt.Sprintf("calloc %d x %d overflows", n, size))
	}
	return th.AllocFlags(total, FlagZeroFill)
}

// AlignedAlloc returns size bytes aligned to alignment or crashes.
func (th *Thread) AlignedAlloc(alignment, size uintptr) uintptr {
	return th.root.checked(th.root.alloc(th, size, alignment, 0))(size, 0)
}

// Realloc resizes addr, see Root.Realloc.
func (th *Thread) Realloc(addr, size uintptr) uintptr {
	return th.root.checked(th.root.realloc(th, addr, size))(size, 0)
}

// Free releases addr.
func (th *Thread) Free(addr uintptr) {
	th.root.free(th, addr)
}

// Safepoint lets a running scan borrow the calling goroutine. Mutators that
// go long without freeing should call it periodically.
func (th *Thread) Safepoint() {
	th.root.safepoint(th)
}

// Close returns cached slots, releases the shadow stack and unregisters the
// thread.
func (th *Thread) Close() error {
	if th.closed {
		return nil
	}
	th.closed = true
	th.Purge()
	r := th.root
	r.threadsMu.Lock()
	delete(r.threads, th)
	r.threadsMu.Unlock()

	// A running scan may still be reading the stack.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanInProgress() {
		th.stack.Truncate(0)
		r.pendingStacks = append(r.pendingStacks, th.stack)
		return nil
	}
	return th.stack.Release()
}

// enter marks the thread busy. Reentering the allocator from the same thread,
// for instance from a hook, is fatal.
func (th *Thread) enter() {
	if th.busy.Swap(true) {
		crash.Reentrant(fmt.Sprintf("thread %d re-entered the allocator", th.id))
	}
}

func (th *Thread) exit() { th.busy.Store(false) }

func (th *Thread) caches(b *Bucket) bool {
	return th.cache != nil && b.slotSize <= th.root.opts.ThreadCacheConfig.MaxSlotSize
}

// tick runs the purge policy.
func (th *Thread) tick() {
	th.ops++
	if th.purgeRequested.Swap(false) {
		th.Purge()
		return
	}
	if th.ops%purgeCheckInterval == 0 && time.Since(th.lastPurge) >= th.root.opts.ThreadCacheConfig.PurgeInterval {
		th.Purge()
	}
}

// cachedAlloc pops a cached slot of bucket b, refilling half the cache from
// the root when empty. Returns 0 when the bucket is not cached.
func (th *Thread) cachedAlloc(b *Bucket) uintptr {
	if !th.caches(b) {
		return 0
	}
	th.tick()
	c := &th.cache[b.index]
	if len(c.slots) == 0 {
		th.fill(b, c)
	}
	n := len(c.slots)
	if n == 0 {
		return 0
	}
	slot := c.slots[n-1]
	c.slots = c.slots[:n-1]
	th.cachedBytes.Add(-b.slotSize)
	return slot
}

func (th *Thread) fill(b *Bucket, c *threadCacheBucket) {
	r := th.root
	want := max(c.limit/2, 1)
	r.mu.Lock()
	for range want {
		slot, err := b.alloc(r)
		if err != nil {
			break
		}
		c.slots = append(c.slots, slot)
		th.cachedBytes.Add(b.slotSize)
	}
	r.mu.Unlock()
}

// cachedFree keeps a freed slot in the cache. It reports false when the slot
// must go back to the root instead.
func (th *Thread) cachedFree(b *Bucket, slot uintptr) bool {
	if !th.caches(b) {
		return false
	}
	th.tick()
	c := &th.cache[b.index]
	c.slots = append(c.slots, slot)
	th.cachedBytes.Add(b.slotSize)
	if len(c.slots) > c.limit {
		th.flush(b, c, len(c.slots)/2)
	}
	if th.cachedBytes.Load() > th.root.opts.ThreadCacheConfig.MaxBytes {
		th.Purge()
	}
	return true
}

// flush returns the n oldest cached slots of one bucket to the root.
func (th *Thread) flush(b *Bucket, c *threadCacheBucket, n int) {
	if n == 0 {
		return
	}
	r := th.root
	r.mu.Lock()
	for _, slot := range c.slots[:n] {
		b.free(r, lookupReservation(slot).spanAt(slot), slot)
	}
	r.mu.Unlock()
	c.slots = append(c.slots[:0], c.slots[n:]...)
	th.cachedBytes.Add(-(uintptr(n) * b.slotSize))
}

// Purge returns every cached slot to the root.
func (th *Thread) Purge() {
	th.lastPurge = time.Now()
	if th.cachedBytes.Load() == 0 {
		return
	}
	for i := range th.cache {
		c := &th.cache[i]
		th.flush(&th.root.buckets[i], c, len(c.slots))
	}
}
