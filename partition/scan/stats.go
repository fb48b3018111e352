package scan

import "time"

// ScanStats describes one finished scan.
type ScanStats struct {
	Epoch uint64
	Mode  Mode
	Loop  string

	Clear time.Duration
	Scan  time.Duration
	Sweep time.Duration
	Total time.Duration

	// QuarantinedBytes is the size of the sweep candidates.
	QuarantinedBytes uintptr
	// SurvivedBytes is the part of QuarantinedBytes found reachable.
	SurvivedBytes  uintptr
	FreedBytes     uintptr
	DiscardedBytes uintptr
	// ProtectedBytes is the memory write-protected during the scan.
	ProtectedBytes uintptr

	Areas  int
	Stacks int
	Joined int64
}

// StatsReporter receives ScanStats after every scan, on the goroutine that
// ran the task.
type StatsReporter interface {
	ReportScan(ScanStats)
}

// StatsReporterFunc adapts a function to StatsReporter.
type StatsReporterFunc func(ScanStats)

// ReportScan calls f.
func (f StatsReporterFunc) ReportScan(st ScanStats) { f(st) }
