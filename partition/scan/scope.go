package scan

import (
	"sync"
	"sync/atomic"
)

// syncScope counts mutators working inside a task. Once closed, no mutator
// may enter and closeAndWait returns when the last one has left.
type syncScope struct {
	mu      sync.Mutex
	cond    *sync.Cond
	inside  int
	closing bool
}

func newSyncScope() *syncScope {
	s := &syncScope{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *syncScope) tryEnter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inside++
	return true
}

func (s *syncScope) leave() {
	s.mu.Lock()
	s.inside--
	if s.inside == 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *syncScope) closeAndWait() {
	s.mu.Lock()
	s.closing = true
	for s.inside > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// phase is a fixed list of work items shared by the scanner's workers and
// any mutators that join. Each item is claimed exactly once.
type phase struct {
	name  string
	n     int64
	next  atomic.Int64
	done  atomic.Int64
	fn    func(i int)
	wg    sync.WaitGroup
	ended chan struct{}
	once  sync.Once
}

func newPhase(name string, n int, fn func(i int)) *phase {
	p := &phase{name: name, n: int64(n), fn: fn, ended: make(chan struct{})}
	if n == 0 {
		close(p.ended)
	}
	return p
}

// work claims items until none are left. It returns without waiting for
// items claimed by others.
func (p *phase) work() {
	for {
		i := p.next.Add(1) - 1
		if i >= p.n {
			return
		}
		p.fn(int(i))
		if p.done.Add(1) == p.n {
			p.once.Do(func() { close(p.ended) })
		}
	}
}

// run works the phase on workers goroutines, the caller included, and
// waits until every item has completed.
func (p *phase) run(workers int) {
	for w := 1; w < workers && int64(w) < p.n; w++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work()
		}()
	}
	p.work()
	p.wg.Wait()
	<-p.ended
}
