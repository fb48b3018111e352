package main

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/testutil"
)

func TestMain(m *testing.M) { testutil.Main(m) }

func Test_Layout_JSON(t *testing.T) {
	withFlags(t, true, false)

	out, err := captureOutput(t, runLayout)
	require.NoError(t, err)

	var rep layoutReport
	decodeJSON(t, out, &rep)
	require.Len(t, rep.Pools, 3)
	assert.Equal(t, "regular", rep.Pools[0].Pool)
	assert.True(t, rep.Pools[0].Anchor)
	assert.Equal(t, rep.Pools[0].Size, rep.Alignment)
	assert.Equal(t, uintptr(640<<20), rep.Total)

	require.Len(t, rep.SuperPage, 7)
	assert.Equal(t, "payload", rep.SuperPage[5].Name)
	assert.Equal(t, uintptr(layout.PayloadOffset), rep.SuperPage[5].Offset)

	require.NotEmpty(t, rep.Classes)
	assert.Equal(t, uintptr(16), rep.Classes[0].SlotSize)
	assert.Equal(t, uintptr(layout.MaxBucketed), rep.Classes[len(rep.Classes)-1].SlotSize)
	for _, c := range rep.Classes {
		assert.Positive(t, c.Slots, "slot size %d", c.SlotSize)
	}
}

func Test_Layout_Text(t *testing.T) {
	withFlags(t, false, true)

	out, err := captureOutput(t, runLayout)
	require.NoError(t, err)
	assert.Contains(t, out, "(anchor)")
	assert.Contains(t, out, "tag bitmap")
	assert.Contains(t, out, "Direct map above 256.0 KiB")
}

func Test_Layout_BadFlags(t *testing.T) {
	withFlags(t, false, false)

	layoutClasses = "odd"
	t.Cleanup(func() { layoutClasses = "sparse" })
	_, err := captureOutput(t, runLayout)
	require.ErrorContains(t, err, "unknown size classes")

	layoutClasses = "sparse"
	poolsCfg = "huge"
	_, err = captureOutput(t, runLayout)
	require.ErrorContains(t, err, "unknown pool layout")
}

func Test_ScanDemo(t *testing.T) {
	withFlags(t, true, false)

	out, err := captureOutput(t, runScanDemo)
	require.NoError(t, err)

	var res struct {
		Addr   uintptr    `json:"addr"`
		Reused bool       `json:"reused_while_referenced"`
		Steps  []demoStep `json:"steps"`
	}
	decodeJSON(t, out, &res)
	require.NotZero(t, res.Addr)
	require.False(t, res.Reused)
	require.Len(t, res.Steps, 2+demoRounds+1)

	assert.Equal(t, "allocated", res.Steps[0].State)
	for _, st := range res.Steps[1 : len(res.Steps)-1] {
		assert.Contains(t, st.State, "quarantined", st.Step)
		assert.Equal(t, uintptr(demoSize), st.Quarantined, st.Step)
	}
	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, "freed", last.State)
	assert.Zero(t, last.Quarantined)
}

func Test_Stress(t *testing.T) {
	tests := []struct {
		name string
		scan bool
	}{
		{"plain", false},
		{"scanned", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFlags(t, true, false)
			old := [...]int{stressWorkers, stressOps, stressMaxSize}
			oldScan := stressScan
			stressWorkers, stressOps, stressMaxSize, stressScan = 2, 2000, 512, tt.scan
			t.Cleanup(func() {
				stressWorkers, stressOps, stressMaxSize = old[0], old[1], old[2]
				stressScan = oldScan
			})

			out, err := captureOutput(t, runStress)
			require.NoError(t, err)

			var res stressResult
			decodeJSON(t, out, &res)
			assert.Equal(t, 2, res.Workers)
			assert.Equal(t, int64(4000), res.Ops)
			assert.Equal(t, "stress", res.Stats.Name)
			assert.Positive(t, res.Stats.Allocs)
			if tt.scan {
				assert.NotEmpty(t, res.ScanState)
			} else {
				assert.Empty(t, res.ScanState)
			}
		})
	}
}

func Test_Version(t *testing.T) {
	withFlags(t, true, false)

	out, err := captureOutput(t, runVersion)
	require.NoError(t, err)

	var v versionInfo
	decodeJSON(t, out, &v)
	assert.NotEmpty(t, v.Version)
	assert.Equal(t, runtime.Version(), v.Go)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, v.Platform)
	assert.Equal(t, uintptr(layout.SuperPageSize), v.SuperPageSize)

	withFlags(t, false, false)
	out, err = captureOutput(t, runVersion)
	require.NoError(t, err)
	assert.Contains(t, out, "pactl ")
	assert.Contains(t, out, "2.0 MiB superpages")
}

func Test_Format(t *testing.T) {
	assert.Equal(t, "1,234,567", formatCount(1234567))
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "2.0 MiB", formatBytes(2<<20))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "-", formatRate(10, 0))
}
