package partition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_ShadowStack_PushPop(t *testing.T) {
	s, err := NewShadowStack(16)
	require.NoError(t, err)
	defer s.Release()

	for i := uintptr(1); i <= 3; i++ {
		idx, err := s.Push(i * 100)
		require.NoError(t, err)
		require.Equal(t, int(i-1), idx)
	}
	require.Equal(t, 3, s.Len())
	require.Equal(t, uintptr(200), s.Get(1))

	s.Set(1, 7)
	require.Equal(t, uintptr(7), s.Get(1))

	addr, size := s.Range()
	require.NotZero(t, addr)
	require.Equal(t, 3*wordSize, size)

	require.Equal(t, uintptr(300), s.Pop())
	s.Truncate(1)
	require.Equal(t, 1, s.Len())
	require.Panics(t, func() { s.Get(1) })

	require.Equal(t, uintptr(100), s.Pop())
	require.Panics(t, func() { s.Pop() })
}

func Test_ShadowStack_Overflow(t *testing.T) {
	s, err := NewShadowStack(1)
	require.NoError(t, err)
	defer s.Release()

	// Capacity rounds up to a system page of words.
	for i := 0; i < s.cap; i++ {
		_, err := s.Push(uintptr(i))
		require.NoError(t, err)
	}
	_, err = s.Push(1)
	require.ErrorIs(t, err, ErrShadowStackOverflow)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release(), "release is idempotent")
}
