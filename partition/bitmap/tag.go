package bitmap

import (
	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/internal/mem"
)

// TagPointer returns the address of the tag byte covering addr, which must lie
// in the payload of a bucketed superpage.
func TagPointer(addr uintptr) uintptr {
	sp := addr & layout.SuperPageBaseMask
	return sp + layout.TagBitmapOffset + (addr-sp-layout.PayloadOffset)>>layout.TagStrideShift
}

// Tag returns the tag stored for addr.
func Tag(addr uintptr) uint8 {
	return mem.LoadU8(TagPointer(addr))
}

// SetTag stamps tag over every granule of the slot [slot, slot+size).
func SetTag(slot, size uintptr, tag uint8) {
	n := size >> layout.TagStrideShift
	mem.Fill(TagPointer(slot), n, tag)
}

// NextTag returns the tag after t, wrapping and skipping zero.
func NextTag(t uint8) uint8 {
	t++
	if t == 0 {
		t = 1
	}
	return t
}

// IncrementTag advances the slot's tag and stamps it over the whole slot. It
// returns the new tag.
func IncrementTag(slot, size uintptr) uint8 {
	t := NextTag(Tag(slot))
	SetTag(slot, size, t)
	return t
}
