package partition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/testutil"
	"github.com/joshuapare/pakit/partition/addrspace"
)

func Test_BackupRef_DefersFreeUntilLastRelease(t *testing.T) {
	r := leakRoot(t, Options{BackupRefPtr: true})
	require.Equal(t, addrspace.BRP, r.Pool().Handle())

	a := r.Alloc(32)
	require.Equal(t, uintptr(40), r.UsableSize(a), "48-byte slot minus the count")
	refs, live := BackupRefCount(a)
	require.Zero(t, refs)
	require.True(t, live)

	require.True(t, AcquireBackupRef(a+8))
	require.True(t, AcquireBackupRef(a))
	r.Free(a)

	refs, live = BackupRefCount(a)
	require.Equal(t, uint64(2), refs)
	require.False(t, live)
	requireFilled(t, r, a, 40, brpPoison)

	b := r.Alloc(32)
	require.NotEqual(t, a, b, "slot with references is not reused")

	ReleaseBackupRef(a)
	ReleaseBackupRef(a + 8)
	refs, _ = BackupRefCount(a)
	require.Zero(t, refs)
	require.Equal(t, a, r.Alloc(32), "last release returned the slot")
	require.False(t, AcquireBackupRef(0x1000))

	r.Free(a)
	require.False(t, AcquireBackupRef(a), "freed slot cannot gain references")
	testutil.RequireCrash(t, crash.DoubleFree, func() { r.Free(a) })
}

func Test_BackupRef_DirectMap(t *testing.T) {
	r := newRoot(t, Options{BackupRefPtr: true})
	pool := r.Pool()
	before := pool.UsedSuperPages()

	d := r.Alloc(1 << 20)
	require.True(t, AcquireBackupRef(d+100))
	r.Free(d)
	require.Equal(t, before+1, pool.UsedSuperPages(), "reservation kept while referenced")

	ReleaseBackupRef(d)
	require.Equal(t, before, pool.UsedSuperPages())
}

func Test_BackupRef_NotForPlainRoots(t *testing.T) {
	r := newRoot(t, Options{})
	a := r.Alloc(32)
	require.False(t, AcquireBackupRef(a))
	ReleaseBackupRef(a) // no-op
	r.Free(a)

	require.ErrorIs(t, newRoot(t, Options{Name: "brp", BackupRefPtr: true}).EnableQuarantine(&fakeQuarantiner{}), ErrInvalidOptions)
}
