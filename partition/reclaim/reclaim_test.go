package reclaim

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/testutil"
	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/scan"
)

func TestMain(m *testing.M) { testutil.Main(m) }

// events records calls across fakes in order.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakePartition struct {
	name   string
	ev     *events
	purges atomic.Int32
	flags  atomic.Uint32
}

func (p *fakePartition) Name() string { return p.name }

func (p *fakePartition) PurgeThreadCaches() { p.ev.add(p.name + ":caches") }

func (p *fakePartition) PurgeMemory(flags partition.PurgeFlags) partition.PurgeResult {
	p.ev.add(p.name + ":purge")
	p.purges.Add(1)
	p.flags.Store(uint32(flags))
	return partition.PurgeResult{Decommitted: 4096, Discarded: 1}
}

type fakeScanner struct{ ev *events }

func (s *fakeScanner) PerformScanIfNeeded(mode scan.Mode) bool {
	s.ev.add("scan:" + mode.String())
	return true
}

func Test_Reclaimer_Flags(t *testing.T) {
	tests := []struct {
		name string
		run  func(*Reclaimer) Result
		want partition.PurgeFlags
	}{
		{"all", (*Reclaimer).ReclaimAll, allFlags},
		{"normal", (*Reclaimer).ReclaimNormal, normalFlags},
		{"fast", (*Reclaimer).ReclaimFast, fastFlags},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			p := &fakePartition{name: "p", ev: &events{}}
			r.RegisterPartition(p)

			res := tt.run(r)
			assert.Equal(t, 1, res.Partitions)
			assert.Equal(t, uintptr(4096), res.Decommitted)
			assert.Equal(t, uintptr(1), res.Discarded)
			assert.Equal(t, tt.want, partition.PurgeFlags(p.flags.Load()))
		})
	}
	assert.NotZero(t, fastFlags&partition.PurgeLimitDuration)
	assert.NotZero(t, allFlags&partition.PurgeAggressiveReclaim)
}

func Test_Reclaimer_ScanBeforePurge(t *testing.T) {
	ev := &events{}
	r := New()
	r.SetScanner(&fakeScanner{ev: ev})
	r.RegisterPartition(&fakePartition{name: "a", ev: ev})
	r.RegisterPartition(&fakePartition{name: "b", ev: ev})

	res := r.ReclaimAll()
	require.True(t, res.Scanned)
	require.Equal(t, []string{
		"scan:forced-blocking",
		"a:caches", "a:purge",
		"b:caches", "b:purge",
	}, ev.get())

	// Only ReclaimAll scans.
	r.ReclaimNormal()
	require.NotContains(t, ev.get()[5:], "scan:forced-blocking")
}

func Test_Reclaimer_Registration(t *testing.T) {
	r := New()
	p := &fakePartition{name: "p", ev: &events{}}
	r.RegisterPartition(p)
	require.PanicsWithValue(t, `reclaim: partition "p" registered twice`, func() { r.RegisterPartition(p) })

	r.UnregisterPartition(p)
	r.UnregisterPartition(p)
	require.Zero(t, r.Partitions())
	require.Zero(t, r.ReclaimNormal().Partitions)
	require.Zero(t, p.purges.Load())
}

func Test_Reclaimer_StartStop(t *testing.T) {
	r := New()
	p := &fakePartition{name: "p", ev: &events{}}
	r.RegisterPartition(p)

	require.NoError(t, r.Start(context.Background(), time.Millisecond))
	require.ErrorIs(t, r.Start(context.Background(), time.Millisecond), ErrRunning)
	require.Eventually(t, func() bool { return p.purges.Load() >= 2 }, 5*time.Second, time.Millisecond)

	r.Stop()
	n := p.purges.Load()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, n, p.purges.Load(), "no purge after Stop")
	r.Stop()

	// The loop also ends with its context.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, time.Hour))
	cancel()
	r.Stop()
}

func Test_Reclaimer_Instance(t *testing.T) {
	t.Cleanup(ResetForTesting)
	a := Instance()
	require.Same(t, a, Instance())
	ResetForTesting()
	require.NotSame(t, a, Instance())
}

func Test_Reclaimer_EveryOtherFreed(t *testing.T) {
	testutil.AddressSpace(t)
	root, err := partition.New(partition.Options{Name: t.Name()})
	require.NoError(t, err)
	defer root.Close()

	r := New()
	r.RegisterPartition(root)

	addrs := make([]uintptr, 1000)
	for i := range addrs {
		addrs[i] = root.Alloc(64)
	}
	before := root.CommittedBytes()
	for i := 0; i < len(addrs); i += 2 {
		root.Free(addrs[i])
	}
	r.ReclaimAll()
	assert.LessOrEqual(t, root.CommittedBytes(), before)

	// Once everything is free, the spans go back to the OS.
	for i := 1; i < len(addrs); i += 2 {
		root.Free(addrs[i])
	}
	res := r.ReclaimAll()
	assert.Positive(t, res.Decommitted)
	assert.Less(t, root.CommittedBytes(), before)
}

func Test_Reclaimer_ScansQuarantine(t *testing.T) {
	testutil.AddressSpace(t)
	s, err := scan.New(scan.Config{Workers: 1})
	require.NoError(t, err)
	defer s.Close()
	root, err := partition.New(partition.Options{Name: t.Name()})
	require.NoError(t, err)
	defer root.Close()
	require.NoError(t, s.RegisterScannableRoot(root))

	r := New()
	r.SetScanner(s)
	r.RegisterPartition(root)

	a := root.Alloc(64)
	root.Free(a)
	require.Equal(t, uintptr(64), root.QuarantinedBytes())

	res := r.ReclaimAll()
	require.True(t, res.Scanned)
	require.Zero(t, root.QuarantinedBytes())
}
