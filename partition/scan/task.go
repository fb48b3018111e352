package scan

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/logger"
	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/internal/vm"
	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/bitmap"
)

const (
	// largeSlotThreshold is the slot size from which spans are scanned
	// slot by slot, skipping slots that are not allocated.
	largeSlotThreshold = 8 << 10
	// discardEvery is the epoch interval at which surviving quarantined
	// slots have their pages discarded.
	discardEvery = 16
)

type superPageRef struct {
	root *partition.Root
	base uintptr
}

// task is one scan: clear, scan, sweep, finish.
type task struct {
	s     *Scanner
	epoch uint64
	mode  Mode
	roots []rootEntry
	scope *syncScope
	done  chan struct{}

	mask, base uintptr

	current atomic.Pointer[phase]

	superPages []superPageRef
	areas      []partition.ScanArea
	stacks     []*partition.ShadowStack
	protected  []vm.Range

	candidates atomic.Uintptr
	survived   atomic.Uintptr
	joined     atomic.Int64

	stats ScanStats
}

func newTask(s *Scanner, epoch uint64, mode Mode, roots []rootEntry) *task {
	return &task{
		s:     s,
		epoch: epoch,
		mode:  mode,
		roots: roots,
		scope: newSyncScope(),
		done:  make(chan struct{}),
		mask:  ^(s.cards.poolSize - 1) & addrMask,
		base:  s.cards.poolBase,
	}
}

func (t *task) run() {
	s := t.s
	start := time.Now()
	s.state.Store(int32(Scanning))
	for _, e := range t.roots {
		e.root.BeginScan()
	}
	t.snapshot()

	t.runPhase(newPhase("clear", len(t.superPages), t.clearSuperPage))
	cleared := time.Now()
	t.stats.Clear = cleared.Sub(start)

	if s.cfg.WriteProtection {
		t.protect()
	}
	t.runPhase(newPhase("scan", len(t.areas)+len(t.stacks), t.scanItem))
	t.current.Store(nil)
	t.scope.closeAndWait()
	scanned := time.Now()
	t.stats.Scan = scanned.Sub(cleared)

	s.state.Store(int32(SweepingAndFinishing))
	t.unprotect()
	t.sweep()
	t.stats.Sweep = time.Since(scanned)
	t.stats.Total = time.Since(start)

	for _, e := range t.roots {
		e.root.EndScan()
	}
	t.finish()
}

func (t *task) runPhase(p *phase) {
	t.current.Store(p)
	p.run(t.s.cfg.Workers)
}

// join lends a mutator to whatever phase is running.
func (t *task) join() {
	if !t.scope.tryEnter() {
		return
	}
	defer t.scope.leave()
	if p := t.current.Load(); p != nil {
		t.joined.Add(1)
		p.work()
	}
}

func (t *task) snapshot() {
	for _, e := range t.roots {
		for _, sp := range e.root.SuperPages() {
			t.superPages = append(t.superPages, superPageRef{root: e.root, base: sp})
		}
		if e.scannable {
			t.areas = append(t.areas, e.root.ScanAreas()...)
		}
		if t.s.cfg.StackScanning {
			for _, th := range e.root.Threads() {
				t.stacks = append(t.stacks, th.Stack())
			}
		}
	}
	t.stats.Areas = len(t.areas)
	t.stats.Stacks = len(t.stacks)
}

// clearSuperPage resets the superpage's cards, then marks the cards of every
// sweep candidate, zeroing it first under lazy clearing.
func (t *task) clearSuperPage(i int) {
	sp := t.superPages[i]
	begin, end := sp.base+layout.PayloadOffset, sp.base+layout.PayloadEnd
	cards := t.s.cards
	cards.clear(begin, end)
	lazy := t.s.cfg.ClearType == ClearLazy
	bitmap.States(begin).IterateUnmarkedQuarantined(begin, end, t.epoch, func(slot uintptr) {
		_, size, ok := partition.LookupBucketSlot(slot)
		if !ok {
			return
		}
		if lazy {
			mem.Zero(slot, size)
		}
		cards.mark(slot, slot+size)
		t.candidates.Add(size)
	})
}

func (t *task) scanItem(i int) {
	if i < len(t.areas) {
		t.scanArea(t.areas[i])
		return
	}
	addr, size := t.stacks[i-len(t.areas)].Range()
	t.s.loop.scanRange(addr, addr+size, t.mask, t.base, t.visit)
}

func (t *task) scanArea(a partition.ScanArea) {
	loop := t.s.loop
	if a.SlotSize < largeSlotThreshold || partition.IsDirectMapped(a.Begin) {
		loop.scanRange(a.Begin, a.End, t.mask, t.base, t.visit)
		return
	}
	bitmap.States(a.Begin).IterateAllocated(a.Begin, a.End, func(slot uintptr) {
		loop.scanRange(slot, min(slot+a.SlotSize, a.End), t.mask, t.base, t.visit)
	})
}

// visit handles a word that points into the pool: if it lands in a sweep
// candidate, the candidate is marked reachable for this epoch.
func (t *task) visit(w uintptr) {
	addr := w & addrMask
	if !t.s.cards.isMarked(addr) {
		return
	}
	slot, size, ok := partition.LookupBucketSlot(addr)
	if !ok {
		return
	}
	if bitmap.States(slot).MarkQuarantinedAsReachable(slot, t.epoch) {
		t.survived.Add(size)
	}
}

// protect makes the pages covered entirely by quarantined slots read-only.
// No mutator may store to them; a store is a use after free and faults.
func (t *task) protect() {
	ranges := vm.NewPageRanges(vm.Inner)
	for _, sp := range t.superPages {
		begin, end := sp.base+layout.PayloadOffset, sp.base+layout.PayloadEnd
		bitmap.States(begin).IterateQuarantined(begin, end, func(slot uintptr) {
			if _, size, ok := partition.LookupBucketSlot(slot); ok {
				ranges.Add(slot, size)
			}
		})
	}
	for _, r := range ranges.Coalesced() {
		if err := vm.SetAccess(r.Addr, r.Len, vm.ReadOnly); err != nil {
			logger.Warn("scan: write-protect failed", "addr", fmt.Sprintf("%#x", r.Addr), "err", err)
			continue
		}
		t.protected = append(t.protected, r)
		t.stats.ProtectedBytes += r.Len
	}
}

func (t *task) unprotect() {
	for _, r := range t.protected {
		if err := vm.SetAccess(r.Addr, r.Len, vm.ReadWrite); err != nil {
			logger.Error("scan: unprotect failed", "addr", fmt.Sprintf("%#x", r.Addr), "err", err)
		}
	}
	t.protected = nil
}

// sweep frees the candidates nothing pointed to, one batch per superpage.
// Every discardEvery epochs under eager clearing, the pages of the slots
// that survived are discarded; their contents are already zero.
func (t *task) sweep() {
	discard := t.s.cfg.ClearType == ClearEager && t.epoch%discardEvery == 0
	var batch []uintptr
	ranges := vm.NewPageRanges(vm.Inner)
	for _, sp := range t.superPages {
		begin, end := sp.base+layout.PayloadOffset, sp.base+layout.PayloadEnd
		states := bitmap.States(begin)
		batch = batch[:0]
		states.IterateUnmarkedQuarantined(begin, end, t.epoch, func(slot uintptr) {
			batch = append(batch, slot)
		})
		if len(batch) > 0 {
			t.stats.FreedBytes += sp.root.FreeQuarantined(batch)
		}
		if !discard {
			continue
		}
		states.IterateMarkedQuarantined(begin, end, t.epoch, func(slot uintptr) {
			if _, size, ok := partition.LookupBucketSlot(slot); ok {
				ranges.Add(slot, size)
			}
		})
	}
	if ranges.Len() > 0 {
		n, err := ranges.Apply(vm.Discard)
		if err != nil {
			logger.Warn("scan: discard failed", "err", err)
		}
		t.stats.DiscardedBytes = n
	}
}

func (t *task) finish() {
	s := t.s
	st := &t.stats
	st.Epoch = t.epoch
	st.Mode = t.mode
	st.Loop = s.loop.name
	st.QuarantinedBytes = t.candidates.Load()
	st.SurvivedBytes = t.survived.Load()
	st.Joined = t.joined.Load()

	var heap, remaining uintptr
	for _, e := range t.roots {
		heap += e.root.HeapSize()
		remaining += e.root.QuarantinedBytes()
	}
	s.sched.update(st.Total, heap, remaining, st.QuarantinedBytes, st.SurvivedBytes)

	logger.Debug("scan: finished",
		"epoch", st.Epoch,
		"mode", st.Mode.String(),
		"candidates", st.QuarantinedBytes,
		"survived", st.SurvivedBytes,
		"freed", st.FreedBytes,
		"took", st.Total)
	if r := s.cfg.Reporter; r != nil {
		r.ReportScan(*st)
	}
}
