package partition

import (
	"fmt"
	"os"
	"time"

	"github.com/joshuapare/pakit/partition/addrspace"
)

// Runtime debug flag for per-allocation logging, controlled by the
// PAKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("PAKIT_LOG_ALLOC") != ""

// ThreadCacheConfig bounds the per-Thread cache.
type ThreadCacheConfig struct {
	// MaxSlotSize is the largest slot size cached. Larger sizes always go to
	// the root.
	MaxSlotSize uintptr
	// MaxBytes triggers a full purge when the cache holds more than this.
	MaxBytes uintptr
	// MaxCount caps the number of slots cached per bucket.
	MaxCount int
	// PurgeInterval purges the cache when it has not been purged for this long.
	PurgeInterval time.Duration
}

// DefaultThreadCacheConfig returns the default cache limits.
func DefaultThreadCacheConfig() ThreadCacheConfig {
	return ThreadCacheConfig{
		MaxSlotSize:   32 << 10,
		MaxBytes:      1 << 20,
		MaxCount:      128,
		PurgeInterval: time.Second,
	}
}

// Hooks observe allocations. They run on the allocating goroutine; allocating
// from the same Thread inside a hook is a fatal reentrancy error.
type Hooks struct {
	OnAlloc func(addr, size uintptr, root string)
	OnFree  func(addr uintptr)
}

// Options configures a Root.
type Options struct {
	// Name identifies the partition in stats and logs.
	Name string

	// Pool selects the pool the partition allocates from. Ignored when
	// BackupRefPtr is set, which always uses the BRP pool.
	Pool addrspace.Handle

	// SizeClasses selects the bucket layout. Nil means DefaultSizeClasses.
	SizeClasses *SizeClassConfig

	// ThreadCache enables per-Thread caching of small slots.
	ThreadCache       bool
	ThreadCacheConfig ThreadCacheConfig

	// Tagging stamps a generation tag on every allocation for checked
	// raw pointers.
	Tagging bool

	// BackupRefPtr reserves a reference count at the end of every slot.
	// Incompatible with quarantine.
	BackupRefPtr bool

	// LazyCommit commits slot span pages only as slots get provisioned.
	LazyCommit bool

	// EmptySlotSpanRingSize is how many recently emptied slot spans are kept
	// committed before the oldest is decommitted. Default 16.
	EmptySlotSpanRingSize int

	// PurgeTimeBudget bounds PurgeMemory when PurgeLimitDuration is set.
	// Default 2ms.
	PurgeTimeBudget time.Duration

	Hooks Hooks

	// AddressSpace overrides the process-wide address space.
	AddressSpace *addrspace.AddressSpace
}

const (
	defaultEmptyRingSize   = 16
	maxEmptyRingSize       = 64
	defaultPurgeTimeBudget = 2 * time.Millisecond
)

// withDefaults fills zero fields and resolves the pool.
func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.SizeClasses == nil {
		c := DefaultSizeClasses
		o.SizeClasses = &c
	}
	if o.ThreadCacheConfig == (ThreadCacheConfig{}) {
		o.ThreadCacheConfig = DefaultThreadCacheConfig()
	}
	if o.EmptySlotSpanRingSize == 0 {
		o.EmptySlotSpanRingSize = defaultEmptyRingSize
	}
	if o.PurgeTimeBudget == 0 {
		o.PurgeTimeBudget = defaultPurgeTimeBudget
	}
	if o.BackupRefPtr {
		o.Pool = addrspace.BRP
	}
	if o.AddressSpace == nil {
		o.AddressSpace = addrspace.Get()
	}
	return o
}

// Validate checks option consistency. It is called by New after defaults
// are applied.
func (o Options) Validate() error {
	if o.SizeClasses != nil {
		if err := o.SizeClasses.Validate(); err != nil {
			return err
		}
	}
	if o.EmptySlotSpanRingSize < 0 || o.EmptySlotSpanRingSize > maxEmptyRingSize {
		return fmt.Errorf("%w: empty slot span ring size %d not in [0, %d]",
			ErrInvalidOptions, o.EmptySlotSpanRingSize, maxEmptyRingSize)
	}
	if o.ThreadCache {
		c := o.ThreadCacheConfig
		if c.MaxCount < 1 || c.MaxBytes == 0 {
			return fmt.Errorf("%w: thread cache limits %+v", ErrInvalidOptions, c)
		}
	}
	if o.Pool < 0 || o.Pool >= addrspace.NumPools {
		return fmt.Errorf("%w: pool %d", ErrInvalidOptions, o.Pool)
	}
	if o.BackupRefPtr && o.Pool != addrspace.BRP {
		return fmt.Errorf("%w: BackupRefPtr partitions must use the brp pool", ErrInvalidOptions)
	}
	return nil
}
