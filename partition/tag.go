package partition

import "github.com/joshuapare/pakit/partition/bitmap"

// TagForAddress returns the current tag of the allocation holding addr. The
// second result is false when addr is not owned by a tagging root.
func TagForAddress(addr uintptr) (uint8, bool) {
	sp := lookupReservation(addr)
	if sp == nil || !sp.root.opts.Tagging {
		return 0, false
	}
	if dm := sp.direct; dm != nil {
		if addr < dm.payload || addr >= dm.payload+dm.capacity {
			return 0, false
		}
		return headerTag(sp.base), true
	}
	if addr < sp.payloadBegin() || addr >= sp.payloadEnd() || sp.spanAt(addr) == nil {
		return 0, false
	}
	return bitmap.Tag(addr), true
}
