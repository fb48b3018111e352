// Package reclaim periodically asks every registered partition to give unused
// memory back to the OS.
//
// One Reclaimer serves the process (see Instance), but New builds independent
// ones for tests and embedders that wire their own. A Reclaimer with a scanner
// attached runs a forced scan before ReclaimAll purges, since quarantined
// memory cannot be returned until a scan has released it.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joshuapare/pakit/internal/logger"
	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/scan"
)

// DefaultInterval is the period of the background loop.
const DefaultInterval = 4 * time.Second

// ErrRunning is returned by Start when the background loop already runs.
var ErrRunning = errors.New("reclaim: already running")

const (
	allFlags = partition.PurgeDecommitEmptySlotSpans |
		partition.PurgeDiscardUnusedSystemPages |
		partition.PurgeAggressiveReclaim
	normalFlags = partition.PurgeDecommitEmptySlotSpans |
		partition.PurgeDiscardUnusedSystemPages
	fastFlags = partition.PurgeDecommitEmptySlotSpans |
		partition.PurgeLimitDuration
)

// Partition is what the reclaimer needs from a root. *partition.Root
// implements it.
type Partition interface {
	Name() string
	PurgeMemory(flags partition.PurgeFlags) partition.PurgeResult
	PurgeThreadCaches()
}

// Scanner is the part of the quarantine scanner ReclaimAll drives.
// *scan.Scanner implements it.
type Scanner interface {
	PerformScanIfNeeded(mode scan.Mode) bool
}

// Result sums one reclaim pass over every partition.
type Result struct {
	Partitions  int
	Scanned     bool
	Decommitted uintptr
	Discarded   uintptr
	Duration    time.Duration
}

// Reclaimer holds the reclaim set.
type Reclaimer struct {
	mu         sync.Mutex
	partitions []Partition
	scanner    Scanner

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an empty reclaimer.
func New() *Reclaimer {
	return &Reclaimer{}
}

// SetScanner attaches the scanner ReclaimAll runs before purging. nil
// detaches it.
func (r *Reclaimer) SetScanner(s Scanner) {
	r.mu.Lock()
	r.scanner = s
	r.mu.Unlock()
}

// RegisterPartition adds p to the reclaim set. Registering a partition twice
// is a programming error and panics.
func (r *Reclaimer) RegisterPartition(p Partition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.partitions {
		if q == p {
			panic(fmt.Sprintf("reclaim: partition %q registered twice", p.Name()))
		}
	}
	r.partitions = append(r.partitions, p)
}

// UnregisterPartition removes p. Unknown partitions are ignored.
func (r *Reclaimer) UnregisterPartition(p Partition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.partitions {
		if q == p {
			r.partitions = append(r.partitions[:i], r.partitions[i+1:]...)
			return
		}
	}
}

// Partitions returns the number of registered partitions.
func (r *Reclaimer) Partitions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partitions)
}

// ReclaimAll scans the quarantine, then decommits, discards and reclaims
// aggressively. Use it under memory pressure.
func (r *Reclaimer) ReclaimAll() Result { return r.reclaim(allFlags, true) }

// ReclaimNormal decommits empty spans and discards free pages. The background
// loop runs it.
func (r *Reclaimer) ReclaimNormal() Result { return r.reclaim(normalFlags, false) }

// ReclaimFast decommits empty spans within each partition's time budget.
func (r *Reclaimer) ReclaimFast() Result { return r.reclaim(fastFlags, false) }

func (r *Reclaimer) reclaim(flags partition.PurgeFlags, scanFirst bool) Result {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	if scanFirst && r.scanner != nil {
		res.Scanned = r.scanner.PerformScanIfNeeded(scan.ForcedBlocking)
	}
	for _, p := range r.partitions {
		p.PurgeThreadCaches()
		pr := p.PurgeMemory(flags)
		res.Decommitted += pr.Decommitted
		res.Discarded += pr.Discarded
	}
	res.Partitions = len(r.partitions)
	res.Duration = time.Since(start)

	logger.Debug("reclaim: pass",
		"flags", flags.String(),
		"partitions", res.Partitions,
		"scanned", res.Scanned,
		"decommitted", res.Decommitted,
		"discarded", res.Discarded,
		"took", res.Duration)
	return res
}

// Start runs ReclaimNormal every interval on a background goroutine until ctx
// is done or Stop is called. interval <= 0 selects DefaultInterval.
func (r *Reclaimer) Start(ctx context.Context, interval time.Duration) error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.cancel != nil {
		return ErrRunning
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ReclaimNormal()
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the background loop and waits for it.
func (r *Reclaimer) Stop() {
	r.loopMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

var (
	instanceMu sync.Mutex
	instance   *Reclaimer
)

// Instance returns the process-wide reclaimer, created on first use. It lives
// for the rest of the process; only tests reset it.
func Instance() *Reclaimer {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = New()
	}
	return instance
}

// ResetForTesting stops and forgets the process-wide reclaimer.
func ResetForTesting() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Stop()
		instance = nil
	}
}
