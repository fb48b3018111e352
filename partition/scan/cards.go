package scan

import (
	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/mem"
	"github.com/joshuapare/pakit/internal/vm"
	"github.com/joshuapare/pakit/partition/addrspace"
)

// cardTable holds one byte per card of the regular pool, set when the card
// may hold a quarantined slot. The scan loop rejects candidates whose card is
// clear without touching allocator metadata. The table is one superpage of
// bytes, so a card is poolSize>>SuperPageShift bytes.
type cardTable struct {
	base     uintptr
	poolBase uintptr
	poolSize uintptr
	shift    uint
}

func newCardTable(pool *addrspace.Pool) (*cardTable, error) {
	base, err := vm.ReserveAligned(layout.SuperPageSize, layout.SuperPageSize)
	if err != nil {
		return nil, err
	}
	if err := vm.Commit(base, layout.SuperPageSize); err != nil {
		_ = vm.Release(base, layout.SuperPageSize)
		return nil, err
	}
	return &cardTable{
		base:     base,
		poolBase: pool.Base(),
		poolSize: pool.Size(),
		shift:    uint(layout.Log2(pool.Size()) - layout.SuperPageShift),
	}, nil
}

// CardSize returns the bytes covered by one card.
func (c *cardTable) cardSize() uintptr { return 1 << c.shift }

func (c *cardTable) covers(addr uintptr) bool {
	return addr-c.poolBase < c.poolSize
}

func (c *cardTable) card(addr uintptr) uintptr {
	return c.base + (addr-c.poolBase)>>c.shift
}

func (c *cardTable) set(begin, end uintptr, v byte) {
	if end <= begin || !c.covers(begin) {
		return
	}
	first := c.card(begin)
	mem.Fill(first, c.card(end-1)-first+1, v)
}

func (c *cardTable) mark(begin, end uintptr)  { c.set(begin, end, 1) }
func (c *cardTable) clear(begin, end uintptr) { c.set(begin, end, 0) }

func (c *cardTable) isMarked(addr uintptr) bool {
	return c.covers(addr) && mem.LoadU8(c.card(addr)) != 0
}

func (c *cardTable) release() error {
	if c.base == 0 {
		return nil
	}
	err := vm.Release(c.base, layout.SuperPageSize)
	c.base = 0
	return err
}
