package partition

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/testutil"
)

func TestMain(m *testing.M) { testutil.Main(m) }

// newRoot creates a root closed at test end.
func newRoot(t *testing.T, opts Options) *Root {
	t.Helper()
	r := leakRoot(t, opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// leakRoot creates a root that is never closed, for tests that crash it.
func leakRoot(t *testing.T, opts Options) *Root {
	t.Helper()
	testutil.AddressSpace(t)
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

func fill(r *Root, addr, n uintptr, b byte) {
	buf := r.Bytes(addr, n)
	for i := range buf {
		buf[i] = b
	}
}

func requireFilled(t *testing.T, r *Root, addr, n uintptr, b byte) {
	t.Helper()
	for i, got := range r.Bytes(addr, n) {
		if got != b {
			require.Failf(t, "unexpected byte", "offset %d: got %#x, want %#x", i, got, b)
		}
	}
}

// fakeQuarantiner records quarantined slots without scanning.
type fakeQuarantiner struct {
	epoch    atomic.Uint64
	joinable atomic.Bool
	joined   atomic.Int32
	zero     bool

	mu         sync.Mutex
	moved      []uintptr
	superPages []uintptr
}

func (q *fakeQuarantiner) Epoch() uint64    { return q.epoch.Load() }
func (q *fakeQuarantiner) IsJoinable() bool { return q.joinable.Load() }
func (q *fakeQuarantiner) JoinScan(*Thread) { q.joined.Add(1) }

func (q *fakeQuarantiner) ZeroOnQuarantine() bool { return q.zero }

func (q *fakeQuarantiner) MoveToQuarantine(_ *Root, slot, _ uintptr) {
	q.mu.Lock()
	q.moved = append(q.moved, slot)
	q.mu.Unlock()
}

func (q *fakeQuarantiner) RegisterNewSuperPage(_ *Root, sp uintptr) {
	q.mu.Lock()
	q.superPages = append(q.superPages, sp)
	q.mu.Unlock()
}
