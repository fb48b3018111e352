//go:build !linux

package vm

// Reserve reports ErrUnsupported when mmap is not available.
func Reserve(size uintptr) (uintptr, error) { return 0, ErrUnsupported }

func Release(addr, size uintptr) error { return ErrUnsupported }

func Commit(addr, size uintptr) error { return ErrUnsupported }

func Decommit(addr, size uintptr) error { return ErrUnsupported }

func Discard(addr, size uintptr) error { return ErrUnsupported }

func SetAccess(addr, size uintptr, a Access) error { return ErrUnsupported }
