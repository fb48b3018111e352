package partition

import "errors"

var (
	// ErrOutOfMemory indicates the pool could not supply the pages for a request.
	ErrOutOfMemory = errors.New("partition: out of memory")

	// ErrSizeOverflow indicates the request exceeds the largest supported size
	// once internal overhead is added.
	ErrSizeOverflow = errors.New("partition: requested size overflows")

	// ErrBadAlignment indicates an alignment that is zero, not a power of two,
	// or larger than a direct map can honour.
	ErrBadAlignment = errors.New("partition: invalid alignment")

	// ErrNoAddressSpace indicates the address space was not initialised.
	ErrNoAddressSpace = errors.New("partition: address space not initialised")

	// ErrInvalidOptions indicates a contradictory Options value.
	ErrInvalidOptions = errors.New("partition: invalid options")

	// ErrClosed indicates use of a root after Close.
	ErrClosed = errors.New("partition: root closed")
)
