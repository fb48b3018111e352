package scan

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ClearType selects when quarantined memory is zeroed.
type ClearType int

const (
	// ClearLazy zeroes sweep candidates during the clear phase of a scan.
	ClearLazy ClearType = iota
	// ClearEager zeroes a slot as soon as it enters quarantine.
	ClearEager
)

func (c ClearType) String() string {
	if c == ClearEager {
		return "eager"
	}
	return "lazy"
}

// Mode selects how PerformScan runs the task.
type Mode int

const (
	// NonBlocking hands the task to the scanner goroutine.
	NonBlocking Mode = iota
	// Blocking runs the task on the caller.
	Blocking
	// ForcedBlocking runs the task on the caller even below the quarantine
	// limit.
	ForcedBlocking
	// ScheduleOnlyForTesting creates the task but leaves it for
	// FinishScanForTesting.
	ScheduleOnlyForTesting
)

func (m Mode) String() string {
	switch m {
	case NonBlocking:
		return "non-blocking"
	case Blocking:
		return "blocking"
	case ForcedBlocking:
		return "forced-blocking"
	case ScheduleOnlyForTesting:
		return "schedule-only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State is the scanner's position in its state machine.
type State int32

const (
	NotRunning State = iota
	Scheduled
	Scanning
	SweepingAndFinishing
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not-running"
	case Scheduled:
		return "scheduled"
	case Scanning:
		return "scanning"
	case SweepingAndFinishing:
		return "sweeping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("scan: invalid config")

// Config configures a Scanner.
type Config struct {
	// Safepoint lets mutators join a running scan from Free and
	// Thread.Safepoint.
	Safepoint bool

	// WriteProtection makes pages wholly covered by quarantined slots
	// read-only while a scan runs, so a use-after-free write faults. Forces
	// ClearEager.
	WriteProtection bool

	ClearType ClearType

	// StackScanning treats every registered Thread's shadow stack as roots.
	StackScanning bool

	// Workers is the number of goroutines a task runs each phase on,
	// mutators joining at safepoints excluded. Default GOMAXPROCS.
	Workers int

	// MinQuarantineLimit is the floor of the quarantine size that triggers
	// a scan. Default 1 MiB.
	MinQuarantineLimit uintptr

	// Reporter receives per-scan statistics. Optional.
	Reporter StatsReporter
}

const (
	defaultMinQuarantineLimit = 1 << 20
	maxScanDelay              = 10 * time.Second
)

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Safepoint:     true,
		ClearType:     ClearLazy,
		StackScanning: true,
	}
}

func (c Config) withDefaults() Config {
	if c.WriteProtection {
		c.ClearType = ClearEager
	}
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.MinQuarantineLimit == 0 {
		c.MinQuarantineLimit = defaultMinQuarantineLimit
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ClearType != ClearLazy && c.ClearType != ClearEager {
		return fmt.Errorf("%w: clear type %d", ErrInvalidConfig, c.ClearType)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers %d", ErrInvalidConfig, c.Workers)
	}
	return nil
}
