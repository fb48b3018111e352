package scan

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/logger"
	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/addrspace"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scan: scanner closed")
	// ErrNoAddressSpace is returned by New before addrspace.Init.
	ErrNoAddressSpace = errors.New("scan: address space not initialized")
)

type rootEntry struct {
	root      *partition.Root
	scannable bool
}

// Scanner quarantines freed slots of its registered roots and periodically
// scans the scannable roots' memory for pointers to them. A slot is handed
// back to its bucket only after a scan found no word pointing into it.
//
// At most one scan runs at a time. A Scanner is safe for concurrent use.
type Scanner struct {
	cfg   Config
	cards *cardTable
	loop  scanLoop
	sched *scheduler

	state atomic.Int32
	epoch atomic.Uint64
	task  atomic.Pointer[task]

	mu     sync.Mutex
	roots  []rootEntry
	closed bool

	posted       chan *task
	delayed      chan time.Duration
	delayPending atomic.Bool
	quit         chan struct{}
	stopped      chan struct{}
}

var _ partition.Quarantiner = (*Scanner)(nil)

// New creates a scanner over the regular pool of the current address space.
func New(cfg Config) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	as := addrspace.Get()
	if as == nil {
		return nil, ErrNoAddressSpace
	}
	cards, err := newCardTable(as.Pool(addrspace.Regular))
	if err != nil {
		return nil, fmt.Errorf("scan: card table: %w", err)
	}
	s := &Scanner{
		cfg:     cfg,
		cards:   cards,
		loop:    chooseLoop(),
		sched:   newScheduler(cfg.MinQuarantineLimit),
		posted:  make(chan *task, 1),
		delayed: make(chan time.Duration, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.worker()
	logger.Debug("scan: scanner created",
		"loop", s.loop.name,
		"clear", cfg.ClearType.String(),
		"card_size", cards.cardSize(),
		"workers", cfg.Workers)
	return s, nil
}

// Config returns the effective configuration.
func (s *Scanner) Config() Config { return s.cfg }

// Loop names the scan loop picked for this CPU.
func (s *Scanner) Loop() string { return s.loop.name }

// State returns the current state.
func (s *Scanner) State() State { return State(s.state.Load()) }

// Epoch returns the current epoch. It advances when a scan is scheduled.
func (s *Scanner) Epoch() uint64 { return s.epoch.Load() }

// RegisterScannableRoot attaches r: its frees are quarantined and its memory
// is scanned for pointers.
func (s *Scanner) RegisterScannableRoot(r *partition.Root) error {
	return s.register(r, true)
}

// RegisterNonScannableRoot attaches r for quarantine only. Use it for roots
// that never hold pointers, such as buffer partitions.
func (s *Scanner) RegisterNonScannableRoot(r *partition.Root) error {
	return s.register(r, false)
}

func (s *Scanner) register(r *partition.Root, scannable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, e := range s.roots {
		if e.root == r {
			return fmt.Errorf("scan: root %q already registered", r.Name())
		}
	}
	if err := r.EnableQuarantine(s); err != nil {
		return err
	}
	s.roots = append(s.roots, rootEntry{root: r, scannable: scannable})
	return nil
}

// UnregisterRoot detaches r after any running scan completes. Slots still
// quarantined in r stay unusable until r is closed.
func (s *Scanner) UnregisterRoot(r *partition.Root) {
	s.waitIdle()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.roots {
		if e.root == r {
			r.DisableQuarantine()
			s.roots = append(s.roots[:i], s.roots[i+1:]...)
			return
		}
	}
}

// snapshotRoots copies the registered roots, forgetting those closed since.
func (s *Scanner) snapshotRoots() []rootEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.roots[:0]
	for _, e := range s.roots {
		if !e.root.Closed() {
			live = append(live, e)
		}
	}
	clear(s.roots[len(live):])
	s.roots = live
	return append([]rootEntry(nil), live...)
}

// ZeroOnQuarantine asks roots to zero slots on free under eager clearing.
func (s *Scanner) ZeroOnQuarantine() bool { return s.cfg.ClearType == ClearEager }

// MoveToQuarantine is called by a root for every slot it quarantines.
func (s *Scanner) MoveToQuarantine(_ *partition.Root, slot, size uintptr) {
	s.cards.mark(slot, slot+size)
	if s.sched.account(size) {
		s.PerformScanIfNeeded(NonBlocking)
	}
}

// IsJoinable reports whether a mutator at a safepoint should help.
func (s *Scanner) IsJoinable() bool {
	return s.cfg.Safepoint && s.State() == Scanning
}

// JoinScan lends the calling mutator to the running scan until the current
// phase runs out of work.
func (s *Scanner) JoinScan(_ *partition.Thread) {
	if t := s.task.Load(); t != nil {
		t.join()
	}
}

// RegisterNewSuperPage clears stale cards left by a previous owner of the
// superpage.
func (s *Scanner) RegisterNewSuperPage(r *partition.Root, superPage uintptr) {
	s.cards.clear(superPage, superPage+layout.SuperPageSize)
	logger.Debug("scan: new superpage", "root", r.Name(), "addr", fmt.Sprintf("%#x", superPage))
}

// PerformScan starts a scan in mode and reports whether it did. It is a
// no-op returning false when a scan is already scheduled or running.
func (s *Scanner) PerformScan(mode Mode) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	if !s.state.CompareAndSwap(int32(NotRunning), int32(Scheduled)) {
		return false
	}
	t := newTask(s, s.epoch.Add(1), mode, s.snapshotRoots())
	s.task.Store(t)
	switch mode {
	case ScheduleOnlyForTesting:
	case NonBlocking:
		s.posted <- t
	default:
		s.runTask(t)
	}
	return true
}

// PerformScanIfNeeded scans when the quarantine has outgrown its limit, or
// for ForcedBlocking when anything is quarantined at all. A non-blocking
// scan honours the scheduler's delay until the quarantine passes the hard
// limit.
func (s *Scanner) PerformScanIfNeeded(mode Mode) bool {
	switch {
	case mode == ForcedBlocking:
		if s.QuarantinedBytes() == 0 {
			return false
		}
	case !s.sched.overLimit():
		return false
	}
	if mode == NonBlocking && !s.sched.overHardLimit() {
		if d := s.sched.nextDelay(); d > 0 {
			return s.PerformDelayedScan(d)
		}
	}
	return s.PerformScan(mode)
}

// PerformDelayedScan asks the scanner goroutine to start a scan after d.
// Only one delayed scan is pending at a time: while one is, later calls
// neither re-arm nor postpone it. It reports whether this call armed it.
func (s *Scanner) PerformDelayedScan(d time.Duration) bool {
	if !s.delayPending.CompareAndSwap(false, true) {
		return false
	}
	s.delayed <- d
	return true
}

// FinishScanForTesting runs a task left by ScheduleOnlyForTesting, or waits
// for the running one.
func (s *Scanner) FinishScanForTesting() { s.waitIdle() }

func (s *Scanner) waitIdle() {
	if t := s.task.Load(); t != nil {
		if t.mode == ScheduleOnlyForTesting && s.state.CompareAndSwap(int32(Scheduled), int32(Scanning)) {
			s.runTask(t)
			return
		}
		<-t.done
	}
}

func (s *Scanner) runTask(t *task) {
	t.run()
	s.task.CompareAndSwap(t, nil)
	s.state.Store(int32(NotRunning))
	close(t.done)
}

// QuarantinedBytes returns the bytes quarantined across registered roots.
func (s *Scanner) QuarantinedBytes() uintptr {
	var n uintptr
	for _, e := range s.snapshotRoots() {
		n += e.root.QuarantinedBytes()
	}
	return n
}

func (s *Scanner) worker() {
	defer close(s.stopped)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case t := <-s.posted:
			s.runTask(t)
		case d := <-s.delayed:
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			s.PerformScan(Blocking)
			s.delayPending.Store(false)
		case <-s.quit:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close waits for the running scan, stops the scanner goroutine and detaches
// every root. No root may free concurrently with Close.
func (s *Scanner) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.waitIdle()
	close(s.quit)
	<-s.stopped
	// A task posted just before close never reached the worker.
	select {
	case t := <-s.posted:
		s.runTask(t)
	default:
	}

	s.mu.Lock()
	for _, e := range s.roots {
		e.root.DisableQuarantine()
	}
	s.roots = nil
	s.mu.Unlock()
	return s.cards.release()
}

var (
	defaultMu      sync.Mutex
	defaultScanner *Scanner
)

// Default returns the process-wide scanner, creating it with DefaultConfig
// on first use.
func Default() (*Scanner, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultScanner == nil {
		s, err := New(DefaultConfig())
		if err != nil {
			return nil, err
		}
		defaultScanner = s
	}
	return defaultScanner, nil
}

// ResetDefaultForTesting closes and forgets the process-wide scanner.
func ResetDefaultForTesting() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultScanner != nil {
		_ = defaultScanner.Close()
		defaultScanner = nil
	}
}
