package scan

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pakit/internal/testutil"
	"github.com/joshuapare/pakit/partition"
)

func TestMain(m *testing.M) { testutil.Main(m) }

const (
	testTimeout = 5 * time.Second
	testTick    = 5 * time.Millisecond
)

func testConfig() Config {
	return Config{Safepoint: true, StackScanning: true, Workers: 2}
}

// newScanner creates a scanner closed at test end. Roots created after it
// close first, possibly while a background scan still reads them.
func newScanner(t *testing.T, cfg Config) *Scanner {
	t.Helper()
	testutil.AddressSpace(t)
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func newRoot(t *testing.T, name string, opts partition.Options) *partition.Root {
	t.Helper()
	opts.Name = t.Name() + "/" + name
	r, err := partition.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func scannedRoot(t *testing.T, s *Scanner) *partition.Root {
	t.Helper()
	r := newRoot(t, "scanned", partition.Options{})
	require.NoError(t, s.RegisterScannableRoot(r))
	return r
}

// collector is a StatsReporter that keeps every report.
type collector struct {
	mu    sync.Mutex
	scans []ScanStats
}

func (c *collector) ReportScan(st ScanStats) {
	c.mu.Lock()
	c.scans = append(c.scans, st)
	c.mu.Unlock()
}

func (c *collector) last(t *testing.T) ScanStats {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.scans)
	return c.scans[len(c.scans)-1]
}
