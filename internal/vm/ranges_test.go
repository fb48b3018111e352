package vm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_PageRanges_OuterAlignment(t *testing.T) {
	p := NewPageRanges(Outer)
	p.Add(100, 200)

	got := p.Coalesced()
	if len(got) != 1 {
		t.Fatalf("Expected 1 coalesced range, got %d", len(got))
	}
	require.Equal(t, Range{Addr: 0, Len: 4096}, got[0])
}

func Test_PageRanges_InnerAlignment(t *testing.T) {
	p := NewPageRanges(Inner)
	// Only page 1 is fully covered.
	p.Add(100, 8192)
	// Covers no whole page.
	p.Add(3*4096+16, 4000)

	got := p.Coalesced()
	require.Equal(t, []Range{{Addr: 4096, Len: 4096}}, got)
}

func Test_PageRanges_InnerMergesSmallRuns(t *testing.T) {
	p := NewPageRanges(Inner)
	// 64 adjacent 128-byte ranges cover pages 1 and 2 exactly.
	for i := uintptr(0); i < 64; i++ {
		p.Add(4096+i*128, 128)
	}
	require.Equal(t, []Range{{Addr: 4096, Len: 8192}}, p.Coalesced())
}

func Test_PageRanges_CoalesceAdjacentAndOverlapping(t *testing.T) {
	p := NewPageRanges(Outer)
	p.Add(8*4096, 4096)
	p.Add(4096, 4096)
	p.Add(2*4096, 4096)
	p.Add(2*4096+10, 100)

	got := p.Coalesced()
	require.Equal(t, []Range{
		{Addr: 4096, Len: 2 * 4096},
		{Addr: 8 * 4096, Len: 4096},
	}, got)
}

func Test_PageRanges_Apply(t *testing.T) {
	p := NewPageRanges(Outer)
	p.Add(0, 1)
	p.Add(5*4096, 1)

	var calls []Range
	n, err := p.Apply(func(addr, size uintptr) error {
		calls = append(calls, Range{addr, size})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uintptr(2*4096), n)
	require.Len(t, calls, 2)
	require.Zero(t, p.Len(), "Apply should reset the tracker")
}

func Test_PageRanges_ApplyStopsOnError(t *testing.T) {
	p := NewPageRanges(Outer)
	p.Add(0, 1)
	p.Add(5*4096, 1)

	boom := errors.New("boom")
	n, err := p.Apply(func(addr, size uintptr) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, n)
	require.Equal(t, 2, p.Len(), "ranges survive a failed Apply")
}
