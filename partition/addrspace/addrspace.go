// Package addrspace reserves the process-wide block of virtual address space
// that backs every partition, and splits it into self-aligned pools.
//
// # Pools
//
// Each pool is aligned to its own size, so "is addr in pool p" is one mask and
// one compare:
//
//	addr &^ (p.Size - 1) == p.Base
//
// Pools never move and are released only by UninitForTesting.
//
// # Superpages
//
// A pool hands out address space in 2 MiB superpages through a first-fit
// bitmap. Every superpage has an entry in the pool's ReservationOffsetTable,
// which maps any address back to the start of the reservation containing it.
package addrspace

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/pakit/internal/crash"
	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/logger"
	"github.com/joshuapare/pakit/internal/vm"
)

// AddressSpace is one reserved block holding all configured pools.
type AddressSpace struct {
	base  uintptr
	size  uintptr
	pools [NumPools]*Pool
}

var current atomic.Pointer[AddressSpace]

// Init reserves the address space described by cfg and installs it as the
// process-wide instance. It fails if an instance already exists or if cfg
// cannot be aligned; nothing is reserved in either case.
func Init(cfg Config) (*AddressSpace, error) {
	if current.Load() != nil {
		return nil, ErrAlreadyInitialized
	}
	as, err := reserve(cfg)
	if err != nil {
		return nil, err
	}
	if !current.CompareAndSwap(nil, as) {
		_ = vm.Release(as.base, as.size)
		return nil, ErrAlreadyInitialized
	}
	return as, nil
}

// MustInit is Init for process startup. An infeasible pool layout is a fatal
// configuration error.
func MustInit(cfg Config) *AddressSpace {
	as, err := Init(cfg)
	if err != nil {
		crash.Alignment(err.Error())
	}
	return as
}

// Get returns the process-wide instance, or nil before Init.
func Get() *AddressSpace {
	return current.Load()
}

// UninitForTesting releases the reservation and clears the process-wide
// instance. Every partition built on it must be closed first.
func UninitForTesting() {
	as := current.Swap(nil)
	if as == nil {
		return
	}
	if err := vm.Release(as.base, as.size); err != nil {
		logger.Warn("addrspace: release failed", "err", err)
	}
}

func reserve(cfg Config) (*AddressSpace, error) {
	plan, err := PlanLayout(cfg)
	if err != nil {
		return nil, err
	}
	align := plan.Alignment(cfg)
	anchorOff := plan.Offsets[plan.AnchorIndex]

	raw, err := vm.Reserve(plan.Total + align)
	if err != nil {
		return nil, err
	}
	base := layout.AlignUp(raw+anchorOff, align) - anchorOff
	if lead := base - raw; lead > 0 {
		if err := vm.Release(raw, lead); err != nil {
			return nil, fmt.Errorf("addrspace: trim leading slack: %w", err)
		}
	}
	if trail := raw + plan.Total + align - (base + plan.Total); trail > 0 {
		if err := vm.Release(base+plan.Total, trail); err != nil {
			return nil, fmt.Errorf("addrspace: trim trailing slack: %w", err)
		}
	}

	as := &AddressSpace{base: base, size: plan.Total}
	for i, pc := range cfg.Pools {
		p := newPool(pc.Handle, base+plan.Offsets[i], pc.Size)
		as.pools[pc.Handle] = p
		logger.Info("addrspace: pool reserved",
			"pool", pc.Handle.String(),
			"base", fmt.Sprintf("%#x", p.base),
			"size", p.size,
		)
	}
	return as, nil
}

// Base returns the start of the whole reservation.
func (as *AddressSpace) Base() uintptr { return as.base }

// Size returns the size of the whole reservation.
func (as *AddressSpace) Size() uintptr { return as.size }

// Pool returns the pool for h, or nil if h is not configured.
func (as *AddressSpace) Pool(h Handle) *Pool {
	if h < 0 || h >= NumPools {
		return nil
	}
	return as.pools[h]
}

// Pools returns the configured pools in handle order.
func (as *AddressSpace) Pools() []*Pool {
	out := make([]*Pool, 0, NumPools)
	for _, p := range as.pools {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// IsInPool reports whether addr lies in pool h. Safe for any address.
func (as *AddressSpace) IsInPool(addr uintptr, h Handle) bool {
	p := as.Pool(h)
	return p != nil && p.Contains(addr)
}

// PoolOf returns the pool containing addr, or nil.
func (as *AddressSpace) PoolOf(addr uintptr) *Pool {
	for _, p := range as.pools {
		if p != nil && p.Contains(addr) {
			return p
		}
	}
	return nil
}

// GetReservationStart returns the start of the reservation holding addr, or 0
// if addr is not in an allocated superpage of any pool.
func (as *AddressSpace) GetReservationStart(addr uintptr) uintptr {
	p := as.PoolOf(addr)
	if p == nil {
		return 0
	}
	return p.Offsets().GetReservationStart(addr)
}

// IsManagedByNormalBuckets reports whether addr is in a bucketed superpage.
func (as *AddressSpace) IsManagedByNormalBuckets(addr uintptr) bool {
	p := as.PoolOf(addr)
	return p != nil && p.Offsets().IsManagedByNormalBuckets(addr)
}

// IsManagedByDirectMap reports whether addr is in a direct map reservation.
func (as *AddressSpace) IsManagedByDirectMap(addr uintptr) bool {
	p := as.PoolOf(addr)
	return p != nil && p.Offsets().IsManagedByDirectMap(addr)
}

// IsManagedByEither reports whether addr is in any allocated superpage.
func (as *AddressSpace) IsManagedByEither(addr uintptr) bool {
	p := as.PoolOf(addr)
	return p != nil && p.Offsets().IsManagedByEither(addr)
}

// IsInPool is the process-wide form of AddressSpace.IsInPool. It returns false
// before Init.
func IsInPool(addr uintptr, h Handle) bool {
	as := current.Load()
	return as != nil && as.IsInPool(addr, h)
}
