package scan

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/bitmap"
)

func requireQuarantined(t *testing.T, s *Scanner, slot uintptr) {
	t.Helper()
	require.Equal(t, bitmap.QuarantineState(s.Epoch()), bitmap.States(slot).Get(slot),
		"slot %#x should be quarantined and marked for epoch %d", slot, s.Epoch())
}

func requireFreed(t *testing.T, slot uintptr) {
	t.Helper()
	require.Equal(t, bitmap.Freed, bitmap.States(slot).Get(slot), "slot %#x should be freed", slot)
}

func Test_Scan_StackReferenceKeepsSlotAlive(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)
	th, err := r.NewThread()
	require.NoError(t, err)
	defer th.Close()

	a := th.Alloc(64)
	_, err = th.Stack().Push(a)
	require.NoError(t, err)
	th.Free(a)
	require.Equal(t, uintptr(64), r.QuarantinedBytes())

	for i := 0; i < 3; i++ {
		require.True(t, s.PerformScan(Blocking))
		requireQuarantined(t, s, a)
	}
	require.NotEqual(t, a, r.Alloc(64), "a referenced slot is not reused")

	th.Stack().Pop()
	require.True(t, s.PerformScan(Blocking))
	requireFreed(t, a)
	require.Zero(t, r.QuarantinedBytes())
}

func Test_Scan_StackScanningDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.StackScanning = false
	s := newScanner(t, cfg)
	r := scannedRoot(t, s)
	th, err := r.NewThread()
	require.NoError(t, err)
	defer th.Close()

	a := th.Alloc(64)
	_, err = th.Stack().Push(a)
	require.NoError(t, err)
	th.Free(a)

	require.True(t, s.PerformScan(Blocking))
	requireFreed(t, a)
}

func Test_Scan_HeapReference(t *testing.T) {
	tests := []struct {
		name   string
		offset uintptr
		tag    uintptr
	}{
		{"start", 0, 0},
		{"interior", 40, 0},
		{"tagged", 0, 0x2a << 56},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScanner(t, testConfig())
			r := scannedRoot(t, s)

			holder := r.Alloc(64)
			a := r.Alloc(64)
			mem.StoreWord(holder, (a+tt.offset)|tt.tag)
			r.Free(a)

			require.True(t, s.PerformScan(Blocking))
			requireQuarantined(t, s, a)

			mem.StoreWord(holder, 0)
			require.True(t, s.PerformScan(Blocking))
			requireFreed(t, a)
			r.Free(holder)
		})
	}
}

func Test_Scan_LargeSlots(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)

	holder := r.Alloc(16 << 10)
	a := r.Alloc(64)
	mem.StoreWord(holder+8<<10, a)
	r.Free(a)

	require.True(t, s.PerformScan(Blocking))
	requireQuarantined(t, s, a)

	// Once the large slot is freed its contents no longer count.
	r.Free(holder)
	require.True(t, s.PerformScan(Blocking))
	requireFreed(t, a)
}

func Test_Scan_DirectMapHoldsReference(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)

	big := r.Alloc(1 << 20)
	a := r.Alloc(64)
	mem.StoreWord(big+512<<10, a)
	r.Free(a)

	require.True(t, s.PerformScan(Blocking))
	requireQuarantined(t, s, a)
	r.Free(big)
	require.True(t, s.PerformScan(Blocking))
	requireFreed(t, a)
}

func Test_Scan_NonScannableRootIsNotRead(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)
	buffers := newRoot(t, "buffers", partition.Options{})
	require.NoError(t, s.RegisterNonScannableRoot(buffers))

	// A pointer held only in a non-scannable root does not keep a alive.
	a := r.Alloc(64)
	holder := buffers.Alloc(64)
	mem.StoreWord(holder, a)
	r.Free(a)

	// The non-scannable root still quarantines, and a pointer from a scanned
	// root keeps its slots alive.
	b := buffers.Alloc(128)
	keep := r.Alloc(64)
	mem.StoreWord(keep, b)
	buffers.Free(b)

	require.True(t, s.PerformScan(Blocking))
	requireFreed(t, a)
	requireQuarantined(t, s, b)
}

func Test_Scan_SingleFlight(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)
	a := r.Alloc(64)
	r.Free(a)

	require.True(t, s.PerformScan(ScheduleOnlyForTesting))
	require.Equal(t, Scheduled, s.State())
	epoch := s.Epoch()

	require.False(t, s.PerformScan(Blocking), "second scan is a no-op")
	require.False(t, s.PerformScan(NonBlocking))
	require.Equal(t, epoch, s.Epoch())

	s.FinishScanForTesting()
	require.Equal(t, NotRunning, s.State())
	requireFreed(t, a)

	require.True(t, s.PerformScan(Blocking))
	require.Equal(t, epoch+1, s.Epoch())
}

func Test_Scan_NonBlocking(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)
	a := r.Alloc(96)
	r.Free(a)

	require.True(t, s.PerformScan(NonBlocking))
	s.FinishScanForTesting()
	require.Equal(t, NotRunning, s.State())
	requireFreed(t, a)
}

func Test_Scan_FreeDuringScheduledScanSurvives(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)

	require.True(t, s.PerformScan(ScheduleOnlyForTesting))
	// Freed after the epoch advanced: not a candidate of this scan.
	a := r.Alloc(64)
	r.Free(a)
	s.FinishScanForTesting()
	requireQuarantined(t, s, a)

	require.True(t, s.PerformScan(Blocking))
	requireFreed(t, a)
}

func Test_Scan_ClearTypes(t *testing.T) {
	t.Run("eager", func(t *testing.T) {
		cfg := testConfig()
		cfg.ClearType = ClearEager
		s := newScanner(t, cfg)
		r := scannedRoot(t, s)

		a := r.Alloc(64)
		mem.Fill(a, 64, 0xab)
		r.Free(a)
		assert.Equal(t, make([]byte, 64), mem.Bytes(a, 64), "zeroed on quarantine")
	})
	t.Run("lazy", func(t *testing.T) {
		s := newScanner(t, testConfig())
		r := scannedRoot(t, s)

		a := r.Alloc(64)
		mem.Fill(a, 64, 0xab)
		r.Free(a)
		assert.Equal(t, byte(0xab), mem.LoadU8(a+32), "untouched until a scan")

		require.True(t, s.PerformScan(Blocking))
		requireFreed(t, a)
		// The first word now links the free list.
		assert.Equal(t, make([]byte, 56), mem.Bytes(a+8, 56))
	})
}

func Test_Scan_WriteProtection(t *testing.T) {
	c := &collector{}
	cfg := testConfig()
	cfg.WriteProtection = true
	cfg.Reporter = c
	s := newScanner(t, cfg)
	require.Equal(t, ClearEager, s.Config().ClearType)
	r := scannedRoot(t, s)

	slots := make([]uintptr, 256)
	for i := range slots {
		slots[i] = r.Alloc(64)
	}
	for _, a := range slots {
		r.Free(a)
	}
	require.True(t, s.PerformScan(Blocking))
	st := c.last(t)
	assert.GreaterOrEqual(t, st.ProtectedBytes, uintptr(8<<10))
	assert.Equal(t, uintptr(256*64), st.FreedBytes)

	// Pages are writable again once the scan is over.
	for range slots {
		a := r.Alloc(64)
		mem.Fill(a, 64, 1)
	}
}

func Test_Scan_Stats(t *testing.T) {
	c := &collector{}
	cfg := testConfig()
	cfg.Reporter = c
	s := newScanner(t, cfg)
	r := scannedRoot(t, s)

	holder := r.Alloc(64)
	kept := r.Alloc(128)
	dropped := r.Alloc(256)
	mem.StoreWord(holder, kept)
	r.Free(kept)
	r.Free(dropped)

	require.True(t, s.PerformScan(Blocking))
	st := c.last(t)
	assert.Equal(t, s.Epoch(), st.Epoch)
	assert.Equal(t, Blocking, st.Mode)
	assert.Equal(t, s.Loop(), st.Loop)
	assert.Equal(t, uintptr(384), st.QuarantinedBytes)
	assert.Equal(t, uintptr(128), st.SurvivedBytes)
	assert.Equal(t, uintptr(256), st.FreedBytes)
	assert.Equal(t, uintptr(128), s.QuarantinedBytes())
	assert.Positive(t, st.Areas)
}

func Test_Scan_PerformScanIfNeeded(t *testing.T) {
	cfg := testConfig()
	cfg.MinQuarantineLimit = 64 << 10
	s := newScanner(t, cfg)
	r := scannedRoot(t, s)

	require.False(t, s.PerformScanIfNeeded(ForcedBlocking), "nothing quarantined")

	a := r.Alloc(64)
	r.Free(a)
	require.False(t, s.PerformScanIfNeeded(Blocking), "below the limit")
	require.True(t, s.PerformScanIfNeeded(ForcedBlocking))
	requireFreed(t, a)
}

func Test_Scan_QuarantineLimitTriggersScan(t *testing.T) {
	cfg := testConfig()
	cfg.MinQuarantineLimit = 64 << 10
	s := newScanner(t, cfg)
	r := scannedRoot(t, s)

	var slots []uintptr
	for i := 0; i < 40; i++ {
		slots = append(slots, r.Alloc(2<<10))
	}
	for _, a := range slots {
		r.Free(a)
	}
	require.Eventually(t, func() bool { return s.Epoch() > 0 }, testTimeout, testTick)
	s.FinishScanForTesting()
}

func Test_Scan_DelayedScanRunsUnderSteadyFrees(t *testing.T) {
	cfg := testConfig()
	cfg.MinQuarantineLimit = 64 << 10
	s := newScanner(t, cfg)
	r := scannedRoot(t, s)

	r.Free(r.Alloc(64))
	require.True(t, s.PerformScan(Blocking))
	require.Positive(t, s.sched.nextDelay(), "a cheap scan leaves a delay")

	before := s.Epoch()
	deadline := time.Now().Add(testTimeout)
	for s.Epoch() == before && time.Now().Before(deadline) {
		r.Free(r.Alloc(64))
	}
	s.FinishScanForTesting()
	require.Greater(t, s.Epoch(), before, "frees kept postponing the scan")
}

func Test_Scan_HardLimitOverridesDelay(t *testing.T) {
	cfg := testConfig()
	cfg.MinQuarantineLimit = 64 << 10
	s := newScanner(t, cfg)
	r := scannedRoot(t, s)

	r.Free(r.Alloc(64))
	require.True(t, s.PerformScan(Blocking))
	require.True(t, s.PerformDelayedScan(time.Hour))
	before := s.Epoch()

	var slots []uintptr
	for i := 0; i < 40; i++ {
		slots = append(slots, r.Alloc(2<<10))
	}
	for _, a := range slots {
		r.Free(a)
	}
	require.Equal(t, before, s.Epoch(), "over the limit but a delayed scan is pending")

	for i := range slots {
		slots[i] = r.Alloc(2 << 10)
	}
	for _, a := range slots {
		r.Free(a)
	}
	require.Eventually(t, func() bool { return s.Epoch() > before }, testTimeout, testTick)
	s.FinishScanForTesting()
}

func Test_Scan_PerformDelayedScan(t *testing.T) {
	s := newScanner(t, testConfig())
	scannedRoot(t, s)

	require.True(t, s.PerformDelayedScan(20*time.Millisecond))
	require.False(t, s.PerformDelayedScan(time.Millisecond), "one delayed scan at a time")
	require.Eventually(t, func() bool { return s.Epoch() == 1 }, testTimeout, testTick)

	require.Eventually(t, func() bool { return s.PerformDelayedScan(time.Millisecond) }, testTimeout, testTick)
	require.Eventually(t, func() bool { return s.Epoch() == 2 }, testTimeout, testTick)
	s.FinishScanForTesting()
}

func Test_Scan_RootClosedDuringScan(t *testing.T) {
	s := newScanner(t, testConfig())
	r, err := partition.New(partition.Options{Name: t.Name()})
	require.NoError(t, err)
	require.NoError(t, s.RegisterScannableRoot(r))

	var slots []uintptr
	for i := 0; i < 256; i++ {
		slots = append(slots, r.Alloc(1<<10))
	}
	for _, a := range slots[1:] {
		r.Free(a)
	}

	require.True(t, s.PerformScan(ScheduleOnlyForTesting))
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.FinishScanForTesting()
	}()
	require.NoError(t, r.Close())
	<-done

	require.Zero(t, s.QuarantinedBytes())
	require.True(t, s.PerformScan(Blocking), "scans go on without the closed root")
}

func Test_Scan_WriteProtectionWithConcurrentFrees(t *testing.T) {
	cfg := testConfig()
	cfg.WriteProtection = true
	s := newScanner(t, cfg)
	r := scannedRoot(t, s)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Free(r.Alloc(4 << 10))
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		s.PerformScan(Blocking)
	}
	close(stop)
	wg.Wait()
	s.FinishScanForTesting()
	assert.Positive(t, s.Epoch())
}

func Test_Scan_Register(t *testing.T) {
	s := newScanner(t, testConfig())
	r := scannedRoot(t, s)
	require.Error(t, s.RegisterScannableRoot(r), "duplicate")

	brp := newRoot(t, "brp", partition.Options{BackupRefPtr: true})
	require.ErrorIs(t, s.RegisterScannableRoot(brp), partition.ErrInvalidOptions)

	s.UnregisterRoot(r)
	require.False(t, r.IsQuarantineEnabled())
	a := r.Alloc(64)
	r.Free(a)
	requireFreed(t, a)
}

func Test_Scan_Close(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	r := newRoot(t, "r", partition.Options{})
	require.NoError(t, s.RegisterScannableRoot(r))

	require.True(t, s.PerformScan(ScheduleOnlyForTesting))
	require.NoError(t, s.Close())
	require.Equal(t, NotRunning, s.State(), "close finishes the pending task")
	require.False(t, r.IsQuarantineEnabled())
	require.False(t, s.PerformScan(Blocking))
	require.ErrorIs(t, s.RegisterScannableRoot(r), ErrClosed)
	require.NoError(t, s.Close())
}

func Test_Scan_Default(t *testing.T) {
	t.Cleanup(ResetDefaultForTesting)
	a, err := Default()
	require.NoError(t, err)
	b, err := Default()
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, DefaultConfig().StackScanning, a.Config().StackScanning)

	ResetDefaultForTesting()
	c, err := Default()
	require.NoError(t, err)
	require.NotSame(t, a, c)
}

func Test_Config_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.ErrorIs(t, Config{ClearType: 7}.Validate(), ErrInvalidConfig)
	require.ErrorIs(t, Config{Workers: -1}.Validate(), ErrInvalidConfig)
}
