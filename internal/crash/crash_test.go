package crash

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func recoverError(t *testing.T, fn func()) (got *Error) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		var ok bool
		got, ok = r.(*Error)
		require.True(t, ok, "panic value %T is not *crash.Error", r)
	}()
	fn()
	return nil
}

func Test_Crash_KindsAndContext(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
		kind Kind
		addr uintptr
	}{
		{"freelist", func() { Freelist(0x1000, "checksum") }, FreelistCorruption, 0x1000},
		{"double", func() { Double(0x2000) }, DoubleFree, 0x2000},
		{"tag", func() { Tag(0x3000, 4, 5) }, TagMismatch, 0x3000},
		{"reentrant", func() { Reentrant("hook") }, Reentrancy, 0},
		{"alignment", func() { Alignment("pools") }, PoolAlignment, 0},
		{"oom", func() { OOM(1<<40, "pool exhausted") }, OutOfMemory, 0},
		{"badfree", func() { InvalidFree(0x10, "not in pool") }, BadFree, 0x10},
		{"dangling", func() { Dangling(0x4000, "released") }, UseAfterFree, 0x4000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recoverError(t, tt.fn)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.addr, got.Addr)
			require.True(t, errors.Is(got, &Error{Kind: tt.kind}))
		})
	}
}

func Test_Crash_TagMessageCarriesBothTags(t *testing.T) {
	got := recoverError(t, func() { Tag(0xabc0, 7, 9) })
	require.Contains(t, got.Error(), "pointer tag 7")
	require.Contains(t, got.Error(), "memory tag 9")
	require.Contains(t, got.Error(), "0xabc0")
}
