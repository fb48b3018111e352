// Package vm is the allocator's window onto the OS virtual memory system.
//
// It reserves address space without backing it, commits and decommits page
// ranges, changes protection, and discards page contents. All ranges are
// expressed as (addr, size) pairs of uintptr and must be system-page aligned.
//
// The platform split follows the usual build-tag layout: vm_linux.go carries
// the real implementation on top of golang.org/x/sys/unix, vm_other.go
// returns ErrUnsupported everywhere else.
package vm

import (
	"errors"
	"fmt"

	"github.com/joshuapare/pakit/internal/layout"
)

var (
	// ErrUnsupported is returned on platforms without the required primitives.
	ErrUnsupported = errors.New("vm: virtual memory primitives not supported on this platform")

	// ErrUnaligned is returned when a range is not system-page aligned.
	ErrUnaligned = errors.New("vm: range not page aligned")

	// ErrReserve is returned when the OS refuses an address space reservation.
	ErrReserve = errors.New("vm: reservation failed")
)

// Access selects page protection.
type Access int

const (
	// NoAccess makes pages inaccessible. Reserved and decommitted memory uses it.
	NoAccess Access = iota
	// ReadOnly allows loads only.
	ReadOnly
	// ReadWrite allows loads and stores. Committed memory uses it.
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case NoAccess:
		return "none"
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

func checkRange(addr, size uintptr) error {
	if !layout.IsAligned(addr, layout.SystemPageSize) || !layout.IsAligned(size, layout.SystemPageSize) {
		return fmt.Errorf("%w: addr=%#x size=%#x", ErrUnaligned, addr, size)
	}
	return nil
}

// ReserveAligned reserves size bytes whose base is aligned to alignment.
// It over-reserves by alignment and trims the slack on both sides.
// alignment must be a power of two and a multiple of the system page.
func ReserveAligned(size, alignment uintptr) (uintptr, error) {
	if alignment <= layout.SystemPageSize {
		return Reserve(size)
	}
	raw, err := Reserve(size + alignment)
	if err != nil {
		return 0, err
	}
	base := layout.AlignUp(raw, alignment)
	if lead := base - raw; lead > 0 {
		if err := Release(raw, lead); err != nil {
			return 0, err
		}
	}
	if trail := raw + size + alignment - (base + size); trail > 0 {
		if err := Release(base+size, trail); err != nil {
			return 0, err
		}
	}
	return base, nil
}
