package addrspace

import (
	"errors"
	"fmt"

	"github.com/joshuapare/pakit/internal/layout"
)

// Handle identifies a pool.
type Handle int

const (
	// Regular holds ordinary partitions, including scanned ones.
	Regular Handle = iota
	// BRP holds partitions that keep a BackupRefPtr reference count per slot.
	BRP
	// Configurable is reserved for embedder-chosen partitions.
	Configurable

	NumPools
)

func (h Handle) String() string {
	switch h {
	case Regular:
		return "regular"
	case BRP:
		return "brp"
	case Configurable:
		return "configurable"
	default:
		return fmt.Sprintf("Handle(%d)", int(h))
	}
}

// PoolConfig describes one pool.
type PoolConfig struct {
	Handle Handle
	Size   uintptr // power of two, multiple of the superpage size
}

// Config lists the pools in reservation order. Order matters: pools are laid
// out back to back, so the order decides whether every pool can be aligned.
type Config struct {
	Pools []PoolConfig
}

// DefaultConfig returns the production layout.
func DefaultConfig() Config {
	return Config{Pools: []PoolConfig{
		{Handle: Regular, Size: 8 << 30},
		{Handle: BRP, Size: 8 << 30},
		{Handle: Configurable, Size: 4 << 30},
	}}
}

// SmallConfig returns a layout with 256 MiB pools, enough for tests and tools
// without touching gigabytes of address space.
func SmallConfig() Config {
	return Config{Pools: []PoolConfig{
		{Handle: Regular, Size: 256 << 20},
		{Handle: BRP, Size: 256 << 20},
		{Handle: Configurable, Size: 128 << 20},
	}}
}

// minPoolSuperPages keeps every pool large enough for a few direct maps.
const minPoolSuperPages = 16

// Validate checks every pool size and handle. It does not check that the pools
// can be aligned together; PlanLayout does that.
func (c Config) Validate() error {
	if len(c.Pools) == 0 {
		return ErrNoPools
	}
	var seen [NumPools]bool
	for i, p := range c.Pools {
		if p.Handle < 0 || p.Handle >= NumPools {
			return fmt.Errorf("%w: pool %d handle %d", ErrInvalidHandle, i, p.Handle)
		}
		if seen[p.Handle] {
			return fmt.Errorf("%w: %s", ErrDuplicatePool, p.Handle)
		}
		seen[p.Handle] = true
		if !layout.IsPowerOfTwo(p.Size) {
			return fmt.Errorf("%w: %s size %#x is not a power of two", ErrInvalidPoolSize, p.Handle, p.Size)
		}
		n := p.Size >> layout.SuperPageShift
		if n < minPoolSuperPages {
			return fmt.Errorf("%w: %s size %#x below %d superpages", ErrInvalidPoolSize, p.Handle, p.Size, minPoolSuperPages)
		}
		// Offset table entries must stay below the sentinels.
		if n > OffsetNormalBuckets {
			return fmt.Errorf("%w: %s size %#x needs %d offset entries", ErrInvalidPoolSize, p.Handle, p.Size, n)
		}
	}
	return nil
}

// Plan is the computed placement of the pools inside one reservation.
type Plan struct {
	Total       uintptr   // sum of pool sizes
	AnchorIndex int       // index of the largest pool
	Offsets     []uintptr // byte offset of each pool from the reservation base
}

// Alignment returns the alignment the reservation base needs, measured at the
// anchor pool.
func (p Plan) Alignment(cfg Config) uintptr {
	return cfg.Pools[p.AnchorIndex].Size
}

// PlanLayout computes pool offsets and proves that a single base exists that
// aligns every pool to its own size.
//
// The largest pool is the anchor. Aligning the anchor to its size aligns the
// whole reservation to every smaller power of two at the anchor's offset, so
// pool i is aligned exactly when (offset_i - offset_anchor) mod size_i == 0.
// If any pool fails the test no base works and ErrAlignmentInfeasible is
// returned before any address space is touched.
func PlanLayout(cfg Config) (Plan, error) {
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	plan := Plan{Offsets: make([]uintptr, len(cfg.Pools))}
	for i, p := range cfg.Pools {
		plan.Offsets[i] = plan.Total
		plan.Total += p.Size
		if p.Size > cfg.Pools[plan.AnchorIndex].Size {
			plan.AnchorIndex = i
		}
	}
	anchor := plan.Offsets[plan.AnchorIndex]
	for i, p := range cfg.Pools {
		if (plan.Offsets[i]-anchor)&(p.Size-1) != 0 {
			return Plan{}, fmt.Errorf("%w: %s at offset %#x cannot align to %#x with anchor %s at %#x",
				ErrAlignmentInfeasible, p.Handle, plan.Offsets[i], p.Size, cfg.Pools[plan.AnchorIndex].Handle, anchor)
		}
	}
	return plan, nil
}

var (
	ErrNoPools             = errors.New("addrspace: no pools configured")
	ErrInvalidHandle       = errors.New("addrspace: invalid pool handle")
	ErrDuplicatePool       = errors.New("addrspace: duplicate pool")
	ErrInvalidPoolSize     = errors.New("addrspace: invalid pool size")
	ErrAlignmentInfeasible = errors.New("addrspace: pool alignment infeasible")
	ErrAlreadyInitialized  = errors.New("addrspace: already initialized")
	ErrNotInitialized      = errors.New("addrspace: not initialized")
	ErrPoolExhausted       = errors.New("addrspace: pool exhausted")
	ErrNoSuchPool          = errors.New("addrspace: pool not configured")
)
