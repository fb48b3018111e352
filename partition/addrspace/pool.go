package addrspace

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/joshuapare/pakit/internal/layout"
)

// Pool is a self-aligned region of the reservation, carved into superpages.
type Pool struct {
	handle Handle
	base   uintptr
	size   uintptr

	offsets *ReservationOffsetTable

	mu   sync.Mutex
	used []uint64 // one bit per superpage
	hint int      // lowest superpage index that may be free
	num  int      // superpages handed out
}

func newPool(h Handle, base, size uintptr) *Pool {
	n := int(size >> layout.SuperPageShift)
	return &Pool{
		handle:  h,
		base:    base,
		size:    size,
		offsets: newOffsetTable(base, n),
		used:    make([]uint64, (n+63)/64),
	}
}

func (p *Pool) Handle() Handle { return p.handle }
func (p *Pool) Base() uintptr  { return p.base }
func (p *Pool) Size() uintptr  { return p.size }

// Mask returns the pool membership mask, ^(Size-1).
func (p *Pool) Mask() uintptr { return ^(p.size - 1) }

// Contains reports whether addr lies in the pool. Null is never contained.
func (p *Pool) Contains(addr uintptr) bool {
	return addr != 0 && addr&p.Mask() == p.base
}

// Offsets returns the pool's reservation offset table.
func (p *Pool) Offsets() *ReservationOffsetTable { return p.offsets }

// NumSuperPages returns the pool capacity in superpages.
func (p *Pool) NumSuperPages() int { return int(p.size >> layout.SuperPageShift) }

// SuperPageIndex returns the index of the superpage holding addr.
func (p *Pool) SuperPageIndex(addr uintptr) int {
	return int((addr - p.base) >> layout.SuperPageShift)
}

// UsedSuperPages returns how many superpages are currently handed out.
func (p *Pool) UsedSuperPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.num
}

// AllocSuperPages hands out n contiguous superpages, first fit. The returned
// range is reserved but not committed; its offset table entries are untouched.
func (p *Pool) AllocSuperPages(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("addrspace: invalid superpage count %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.NumSuperPages()
	run := 0
	for i := p.hint; i < total; i++ {
		if p.isUsed(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				p.used[j/64] |= 1 << (j % 64)
			}
			p.num += n
			if start == p.hint {
				p.advanceHint()
			}
			return p.base + uintptr(start)<<layout.SuperPageShift, nil
		}
	}
	return 0, fmt.Errorf("%w: %s needs %d superpages, %d of %d in use",
		ErrPoolExhausted, p.handle, n, p.num, total)
}

// FreeSuperPages returns n superpages starting at addr to the pool.
func (p *Pool) FreeSuperPages(addr uintptr, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := p.SuperPageIndex(addr)
	for j := start; j < start+n; j++ {
		p.used[j/64] &^= 1 << (j % 64)
	}
	p.num -= n
	if start < p.hint {
		p.hint = start
	}
}

func (p *Pool) isUsed(i int) bool {
	return p.used[i/64]&(1<<(i%64)) != 0
}

// advanceHint moves hint past fully used words and bits. Caller holds mu.
func (p *Pool) advanceHint() {
	total := p.NumSuperPages()
	for p.hint < total {
		w := p.used[p.hint/64] >> (p.hint % 64)
		if w == ^uint64(0)>>(p.hint%64) {
			p.hint = (p.hint/64 + 1) * 64
			continue
		}
		p.hint += bits.TrailingZeros64(^w)
		return
	}
}
