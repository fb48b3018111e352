//go:build linux

package vm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/pakit/internal/mem"
)

func prot(a Access) int {
	switch a {
	case ReadOnly:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}

// Reserve maps size bytes of inaccessible, unbacked address space.
func Reserve(size uintptr) (uintptr, error) {
	if err := checkRange(0, size); err != nil {
		return 0, err
	}
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes: %w", ErrReserve, size, err)
	}
	return uintptr(p), nil
}

// Release unmaps a reservation, or part of one.
func Release(addr, size uintptr) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}
	err := unix.MunmapPtr(mem.Ptr(addr), size)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}

// Commit makes a reserved range readable and writable. Fresh pages read zero.
func Commit(addr, size uintptr) error {
	return SetAccess(addr, size, ReadWrite)
}

// Decommit returns the physical pages of a range to the OS and makes the
// range inaccessible again. The address space stays reserved.
func Decommit(addr, size uintptr) error {
	if err := Discard(addr, size); err != nil {
		return err
	}
	return SetAccess(addr, size, NoAccess)
}

// Discard drops the contents of a committed range while keeping it
// accessible. The next touch faults in zero pages.
func Discard(addr, size uintptr) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	return unix.Madvise(mem.Bytes(addr, size), unix.MADV_DONTNEED)
}

// SetAccess changes the protection of a range.
func SetAccess(addr, size uintptr, a Access) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	return unix.Mprotect(mem.Bytes(addr, size), prot(a))
}
