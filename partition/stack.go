package partition

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/internal/vm"
)

// DefaultShadowStackWords is the capacity of a Thread's shadow stack.
const DefaultShadowStackWords = 8 << 10

const wordSize = unsafe.Sizeof(uintptr(0))

// ErrShadowStackOverflow is returned by Push on a full stack.
var ErrShadowStackOverflow = errors.New("partition: shadow stack overflow")

// ShadowStack is an off-heap array of words that its owner uses to publish
// pointers the scanner must treat as live, standing in for the goroutine
// stack it cannot walk. Only the owner pushes and pops; the scanner reads
// words [0, Len) concurrently.
type ShadowStack struct {
	base uintptr
	size uintptr
	cap  int
	n    atomic.Int64
}

// NewShadowStack maps a stack of words entries.
func NewShadowStack(words int) (*ShadowStack, error) {
	size := layout.AlignSystemPage(uintptr(words) * wordSize)
	base, err := vm.Reserve(size)
	if err != nil {
		return nil, err
	}
	if err := vm.Commit(base, size); err != nil {
		_ = vm.Release(base, size)
		return nil, err
	}
	return &ShadowStack{base: base, size: size, cap: int(size / wordSize)}, nil
}

func (s *ShadowStack) at(i int) uintptr { return s.base + uintptr(i)*wordSize }

// Push stores v on top of the stack and returns its index.
func (s *ShadowStack) Push(v uintptr) (int, error) {
	i := int(s.n.Load())
	if i == s.cap {
		return 0, ErrShadowStackOverflow
	}
	mem.StoreWord(s.at(i), v)
	s.n.Store(int64(i + 1))
	return i, nil
}

// Set overwrites entry i.
func (s *ShadowStack) Set(i int, v uintptr) {
	if i < 0 || i >= s.Len() {
		panic("partition: shadow stack index out of range")
	}
	mem.StoreWord(s.at(i), v)
}

// Get returns entry i.
func (s *ShadowStack) Get(i int) uintptr {
	if i < 0 || i >= s.Len() {
		panic("partition: shadow stack index out of range")
	}
	return mem.LoadWord(s.at(i))
}

// Pop removes and returns the top entry.
func (s *ShadowStack) Pop() uintptr {
	i := s.Len() - 1
	if i < 0 {
		panic("partition: pop from empty shadow stack")
	}
	v := mem.LoadWord(s.at(i))
	s.n.Store(int64(i))
	mem.StoreWord(s.at(i), 0)
	return v
}

// Len returns the number of live entries.
func (s *ShadowStack) Len() int { return int(s.n.Load()) }

// Truncate drops every entry above n.
func (s *ShadowStack) Truncate(n int) {
	if n < 0 || n > s.Len() {
		return
	}
	s.n.Store(int64(n))
}

// Range returns the address and byte length of the live entries.
func (s *ShadowStack) Range() (addr, size uintptr) {
	return s.base, uintptr(s.Len()) * wordSize
}

// Release unmaps the stack.
func (s *ShadowStack) Release() error {
	if s.base == 0 {
		return nil
	}
	s.n.Store(0)
	err := vm.Release(s.base, s.size)
	s.base = 0
	return err
}
