package scan

import (
	"sync"
	"sync/atomic"
	"time"
)

// hardLimitFactor scales the limit into the size past which a pending delay
// is ignored and a scan starts at once.
const hardLimitFactor = 2

// scheduler decides when the quarantine is large enough to scan. The limit
// tracks a tenth of the heap; after a scan where much survived, the next one
// is pulled closer, since survivors mean the quarantine refills with fewer
// bytes reclaimed.
type scheduler struct {
	minLimit    uintptr
	quarantined atomic.Uintptr
	limit       atomic.Uintptr

	mu           sync.Mutex
	lastDuration time.Duration
	delay        time.Duration
}

func newScheduler(minLimit uintptr) *scheduler {
	s := &scheduler{minLimit: minLimit}
	s.limit.Store(minLimit)
	return s
}

func (s *scheduler) account(n uintptr) (overLimit bool) {
	return s.quarantined.Add(n) > s.limit.Load()
}

func (s *scheduler) overLimit() bool {
	return s.quarantined.Load() > s.limit.Load()
}

func (s *scheduler) overHardLimit() bool {
	return s.quarantined.Load() > hardLimitFactor*s.limit.Load()
}

// update records a finished scan. heap and remaining are measured after the
// sweep.
func (s *scheduler) update(d time.Duration, heap, remaining, quarantined, survived uintptr) {
	s.quarantined.Store(remaining)
	s.limit.Store(max(s.minLimit, heap/10))

	ratio := 0.0
	if quarantined > 0 {
		ratio = float64(survived) / float64(quarantined)
	}
	s.mu.Lock()
	s.lastDuration = d
	s.delay = min(time.Duration(float64(d)*2*(1-ratio)), maxScanDelay)
	s.mu.Unlock()
}

func (s *scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}
