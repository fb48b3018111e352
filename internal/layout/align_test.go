package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_AlignUp(t *testing.T) {
	tests := []struct {
		n, a, want uintptr
	}{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{4097, SystemPageSize, 8192},
		{SuperPageSize + 1, SuperPageSize, 2 * SuperPageSize},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, AlignUp(tt.n, tt.a), "AlignUp(%d, %d)", tt.n, tt.a)
	}
}

func Test_AlignDownAndIsAligned(t *testing.T) {
	require.Equal(t, uintptr(4096), AlignDown(8191, 4096))
	require.True(t, IsAligned(SuperPageSize*3, SuperPageSize))
	require.False(t, IsAligned(SuperPageSize+PartitionPageSize, SuperPageSize))
}

func Test_NextPowerOfTwo(t *testing.T) {
	tests := map[uintptr]uintptr{
		0:    1,
		1:    1,
		2:    2,
		3:    4,
		17:   32,
		4096: 4096,
		4097: 8192,
	}
	for in, want := range tests {
		require.Equal(t, want, NextPowerOfTwo(in), "NextPowerOfTwo(%d)", in)
	}
}

func Test_IsPowerOfTwoAndLog2(t *testing.T) {
	require.False(t, IsPowerOfTwo(0))
	require.True(t, IsPowerOfTwo(1))
	require.False(t, IsPowerOfTwo(12))
	require.Equal(t, SuperPageShift, Log2(SuperPageSize))
	require.Equal(t, 0, Log2(1))
}

func Test_SuperPageLayoutIsOrdered(t *testing.T) {
	require.Less(t, MetadataOffset+MetadataSize, FreeSlotBitmapOffset+1)
	require.LessOrEqual(t, FreeSlotBitmapOffset+FreeSlotBitmapSize, StateBitmapOffset)
	require.LessOrEqual(t, StateBitmapOffset+StateBitmapSize, TagBitmapOffset)
	require.LessOrEqual(t, TagBitmapOffset+TagBitmapSize, PayloadOffset)
	require.Equal(t, SuperPageSize-PartitionPageSize, PayloadEnd)
	require.Equal(t, 128, NumPartitionPagesPerSuperPage)
}
