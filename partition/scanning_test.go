package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/internal/testutil"
	"github.com/joshuapare/pakit/partition/bitmap"
)

func Test_Quarantine_HoldsFreedSlots(t *testing.T) {
	r := newRoot(t, Options{})
	q := &fakeQuarantiner{}
	q.epoch.Store(3)

	pre := r.Alloc(64)
	require.NoError(t, r.EnableQuarantine(q))
	require.Len(t, q.superPages, 1, "existing superpages are announced")
	require.True(t, r.IsQuarantineEnabled())

	r.Free(pre)
	states := bitmap.States(pre)
	require.Equal(t, bitmap.QuarantinedOdd, states.Get(pre))
	require.Equal(t, []uintptr{pre}, q.moved)
	require.Equal(t, uintptr(64), r.QuarantinedBytes())

	next := r.Alloc(64)
	require.NotEqual(t, pre, next, "quarantined slot is not reused")

	require.Equal(t, uintptr(64), r.FreeQuarantined([]uintptr{pre, next}), "allocated slots are skipped")
	require.Zero(t, r.QuarantinedBytes())
	require.Equal(t, bitmap.Freed, states.Get(pre))
	require.Equal(t, pre, r.Alloc(64))

	r.DisableQuarantine()
	r.Free(pre)
	r.Free(next)
}

func Test_Quarantine_DoubleFree(t *testing.T) {
	r := leakRoot(t, Options{})
	require.NoError(t, r.EnableQuarantine(&fakeQuarantiner{}))

	a := r.Alloc(80)
	r.Free(a)
	testutil.RequireCrash(t, crash.DoubleFree, func() { r.Free(a) })
}

func Test_Quarantine_ZeroesBeforeStamping(t *testing.T) {
	r := newRoot(t, Options{})
	q := &fakeQuarantiner{zero: true}
	require.NoError(t, r.EnableQuarantine(q))

	a := r.Alloc(64)
	fill(r, a, 64, 0xaa)
	r.Free(a)
	requireFilled(t, r, a, 64, 0)
	require.True(t, bitmap.States(a).IsQuarantined(a))
	testutil.RequireCrash(t, crash.DoubleFree, func() { r.Free(a) })

	q.zero = false
	b := r.Alloc(64)
	fill(r, b, 64, 0xbb)
	r.Free(b)
	requireFilled(t, r, b, 64, 0xbb)
}

func Test_Quarantine_NewSuperPagesAnnounced(t *testing.T) {
	r := newRoot(t, Options{})
	q := &fakeQuarantiner{}
	require.NoError(t, r.EnableQuarantine(q))

	// 224 KiB slots take 14 partition pages, so eight spans fit a superpage.
	var addrs []uintptr
	for i := 0; i < 10; i++ {
		addrs = append(addrs, r.Alloc(200<<10))
	}
	require.Len(t, q.superPages, 2)
	require.Equal(t, r.SuperPages(), q.superPages)

	r.DisableQuarantine()
	for _, a := range addrs {
		r.Free(a)
	}
}

func Test_Scan_DefersDirectMapRelease(t *testing.T) {
	r := newRoot(t, Options{})
	pool := r.Pool()

	d := r.Alloc(1 << 20)
	used := pool.UsedSuperPages()

	r.BeginScan()
	r.Free(d)
	require.Equal(t, used, pool.UsedSuperPages())
	slot, size, ok := LookupSlot(d + 4096)
	require.True(t, ok, "memory stays readable until the scan ends")
	require.Equal(t, d, slot)
	require.GreaterOrEqual(t, size, uintptr(1<<20))
	require.Zero(t, r.Stats().DirectMaps)
	r.EndScan()

	require.Equal(t, used-1, pool.UsedSuperPages())
	_, _, ok = LookupSlot(d)
	require.False(t, ok)
}

func Test_Scan_ClosedThreadStackOutlivesScan(t *testing.T) {
	r := newRoot(t, Options{})
	th, err := r.NewThread()
	require.NoError(t, err)
	_, err = th.Stack().Push(42)
	require.NoError(t, err)
	addr, _ := th.Stack().Range()

	r.BeginScan()
	require.NoError(t, th.Close())
	require.Zero(t, th.Stack().Len())
	require.Len(t, r.pendingStacks, 1)
	require.Equal(t, uintptr(42), mem.LoadWord(addr), "stack stays mapped until the scan ends")
	r.EndScan()
	require.Empty(t, r.pendingStacks)
}

func Test_Scan_CloseWaitsForScan(t *testing.T) {
	testutil.AddressSpace(t)
	r, err := New(Options{Name: t.Name()})
	require.NoError(t, err)
	require.NoError(t, r.EnableQuarantine(&fakeQuarantiner{}))

	a := r.Alloc(64)
	mem.StoreWord(a, 42)
	r.Free(a)
	require.Equal(t, uintptr(64), r.QuarantinedBytes())

	r.BeginScan()
	closed := make(chan error, 1)
	go func() { closed <- r.Close() }()

	require.Eventually(t, func() bool { return !r.IsQuarantineEnabled() }, time.Second, time.Millisecond)
	select {
	case <-closed:
		t.Fatal("Close returned while a scan held the root")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, uintptr(42), mem.LoadWord(a), "memory stays mapped until the scan ends")

	r.EndScan()
	require.NoError(t, <-closed)
	require.True(t, r.Closed())
	require.Zero(t, r.CommittedBytes())
	require.Zero(t, r.QuarantinedBytes())
}

func Test_ScanAreas(t *testing.T) {
	r := newRoot(t, Options{})
	a := r.Alloc(64)
	b := r.Alloc(64)
	d := r.Alloc(1 << 20)

	r.BeginScan()
	areas := r.ScanAreas()
	r.EndScan()

	require.Len(t, areas, 2)
	var spanArea, directArea ScanArea
	for _, ar := range areas {
		if ar.SlotSize == 64 {
			spanArea = ar
		} else {
			directArea = ar
		}
	}
	require.Equal(t, a, spanArea.Begin)
	require.Equal(t, b+64, spanArea.End, "only provisioned slots are scanned")
	require.Equal(t, d, directArea.Begin)
	require.Equal(t, uintptr(1<<20), directArea.End-directArea.Begin)

	r.Free(a)
	r.Free(b)
	r.Free(d)
}

func Test_LookupSlot(t *testing.T) {
	r := newRoot(t, Options{})
	a := r.Alloc(100)

	slot, size, ok := LookupSlot(a + 50)
	require.True(t, ok)
	require.Equal(t, a, slot)
	require.Equal(t, uintptr(112), size)
	require.Same(t, r, RootOf(a+50))

	for _, addr := range []uintptr{0, 0x1000, a &^ (1<<21 - 1)} {
		_, _, ok := LookupSlot(addr)
		require.False(t, ok, "%#x", addr)
	}
	require.Nil(t, RootOf(0x1000))
	r.Free(a)
}
