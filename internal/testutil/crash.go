package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/crash"
)

// RequireCrash runs fn and fails the test unless it panics with a
// *crash.Error of the given kind. It returns the recovered error.
//
// A crash can leave allocator locks held; do not reuse the root afterwards.
func RequireCrash(t testing.TB, kind crash.Kind, fn func()) *crash.Error {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	require.NotNil(t, got, "expected %s crash", kind)
	e, ok := got.(*crash.Error)
	require.True(t, ok, "panic value %v is not a *crash.Error", got)
	require.Equal(t, kind, e.Kind, "crash: %v", e)
	return e
}
