package partition

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/testutil"
)

func newThread(t *testing.T, r *Root) *Thread {
	t.Helper()
	th, err := r.NewThread()
	require.NoError(t, err)
	t.Cleanup(func() { _ = th.Close() })
	return th
}

func Test_Thread_CacheReusesSlots(t *testing.T) {
	r := newRoot(t, Options{ThreadCache: true})
	th := newThread(t, r)

	a := th.Alloc(64)
	require.NotZero(t, th.CachedBytes(), "first allocation fills the cache")

	th.Free(a)
	require.Equal(t, a, th.Alloc(64), "cache is LIFO")
	th.Free(a)

	// Slots larger than MaxSlotSize bypass the cache.
	cached := th.CachedBytes()
	big := th.Alloc(64 << 10)
	th.Free(big)
	require.Equal(t, cached, th.CachedBytes())
}

func Test_Thread_PurgeRequest(t *testing.T) {
	r := newRoot(t, Options{ThreadCache: true})
	th := newThread(t, r)

	a := th.Alloc(128)
	require.NotZero(t, th.CachedBytes())
	require.NotZero(t, r.Stats().ThreadCacheBytes)

	r.PurgeThreadCaches()
	th.Free(a) // purges on entry, then caches a
	require.Equal(t, uintptr(128), th.CachedBytes())

	require.NoError(t, th.Close())
	require.Zero(t, th.CachedBytes())
	require.Empty(t, r.Threads())
	require.Zero(t, r.Stats().AllocatedBytes)
}

func Test_Thread_CacheBoundedByMaxBytes(t *testing.T) {
	cfg := DefaultThreadCacheConfig()
	cfg.MaxBytes = 4 << 10
	r := newRoot(t, Options{ThreadCache: true, ThreadCacheConfig: cfg})
	th := newThread(t, r)

	var addrs []uintptr
	for i := 0; i < 200; i++ {
		addrs = append(addrs, th.Alloc(256))
	}
	for _, a := range addrs {
		th.Free(a)
		require.LessOrEqual(t, th.CachedBytes(), cfg.MaxBytes)
	}
}

func Test_Thread_DoubleFreeThroughCache(t *testing.T) {
	r := leakRoot(t, Options{ThreadCache: true})
	th, err := r.NewThread()
	require.NoError(t, err)

	a := th.Alloc(32)
	th.Free(a)
	testutil.RequireCrash(t, crash.DoubleFree, func() { th.Free(a) })
}

func Test_Thread_ReentrancyFromHook(t *testing.T) {
	var th *Thread
	r := leakRoot(t, Options{
		Hooks: Hooks{OnAlloc: func(uintptr, uintptr, string) {
			th.Alloc(16)
		}},
	})
	var err error
	th, err = r.NewThread()
	require.NoError(t, err)

	testutil.RequireCrash(t, crash.Reentrancy, func() { th.Alloc(16) })
}

func Test_Thread_Concurrent(t *testing.T) {
	r := newRoot(t, Options{ThreadCache: true})

	const goroutines, rounds = 8, 2000
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			th, err := r.NewThread()
			if err != nil {
				t.Error(err)
				return
			}
			defer th.Close()
			live := make([]uintptr, 0, 64)
			for i := 0; i < rounds; i++ {
				size := uintptr(16 + (seed*31+i*7)%2000)
				a := th.Alloc(size)
				r.Bytes(a, size)[0] = byte(seed)
				live = append(live, a)
				if len(live) == cap(live) {
					for _, p := range live {
						if r.Bytes(p, 1)[0] != byte(seed) {
							t.Errorf("slot %#x overwritten", p)
						}
						th.Free(p)
					}
					live = live[:0]
				}
			}
			for _, p := range live {
				th.Free(p)
			}
		}(g)
	}
	wg.Wait()

	st := r.Stats()
	require.Equal(t, st.Allocs, st.Frees)
	require.Zero(t, st.AllocatedBytes)
}

func Test_Thread_SafepointJoinsScan(t *testing.T) {
	r := newRoot(t, Options{})
	q := &fakeQuarantiner{}
	require.NoError(t, r.EnableQuarantine(q))
	th := newThread(t, r)

	a := th.Alloc(64)
	th.Free(a)
	require.Zero(t, q.joined.Load())

	q.joinable.Store(true)
	b := th.Alloc(64)
	th.Free(b)
	th.Safepoint()
	require.Equal(t, int32(2), q.joined.Load())
	r.FreeQuarantined([]uintptr{a, b})
}
