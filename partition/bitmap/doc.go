// Package bitmap implements the per-superpage side tables of the allocator.
//
// All three live inside the superpage they describe, at fixed offsets, so a
// bare address is enough to find them:
//
//	sp := addr &^ (SuperPageSize - 1)
//
// # FreeSlotBitmap
//
// One bit per 16 bytes of the superpage. The bit at a slot's first granule is
// set while the slot sits free in its slot span; it is the authoritative
// record of free slots, and the free list is derived from it.
//
// # StateBitmap
//
// Two bits per 16 bytes, used only by scanned partitions:
//
//	00  freed
//	01  quarantined in an odd epoch
//	10  quarantined in an even epoch
//	11  allocated
//
// A slot freed during epoch E gets E's parity. The scanner running epoch E
// sweeps quarantined slots of the other parity and re-stamps any slot it finds
// reachable with E's parity, which both saves it from this sweep and makes it
// a candidate again in epoch E+1. Every transition is a CAS on the containing
// 64-bit word, so concurrent scanners and freeing goroutines never both act on
// the same slot in one epoch.
//
// # TagBitmap
//
// One 8-bit generation tag per 16 bytes of payload. A slot's tag is stamped
// across all of its granules on every allocation, and checked tagged pointers
// compare against it on dereference.
package bitmap
