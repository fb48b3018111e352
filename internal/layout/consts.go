// Package layout houses the address-space geometry shared by the allocator
// packages: page sizes, the superpage layout and the limits derived from them.
// Nothing here allocates; everything is a constant or pure arithmetic so the
// hot paths can compute metadata locations from a bare address.
package layout

const (
	// SystemPageShift is log2 of the OS page size the allocator assumes.
	// Commit, decommit and protection all happen at this granularity.
	SystemPageShift = 12
	SystemPageSize  = 1 << SystemPageShift

	// PartitionPageShift is log2 of the partition page, the unit slot spans
	// are carved from. A partition page is several system pages.
	PartitionPageShift = 14
	PartitionPageSize  = 1 << PartitionPageShift

	// SuperPageShift is log2 of the superpage, the unit of reservation
	// handed out by a pool to the bucketed allocator.
	SuperPageShift = 21
	SuperPageSize  = 1 << SuperPageShift

	// NumPartitionPagesPerSuperPage is the number of partition pages in one superpage.
	NumPartitionPagesPerSuperPage = SuperPageSize / PartitionPageSize

	// SlotAlignment is the alignment of every slot and the smallest slot size.
	SlotAlignment     = 16
	SmallestSlotShift = 4

	// TagStrideShift is log2 of the number of bytes covered by one tag unit.
	TagStrideShift = 4
	TagStride      = 1 << TagStrideShift

	// TagBits is the width of a generation tag. Zero is reserved for "untagged".
	TagBits = 8
	TagMask = 1<<TagBits - 1
)

// Superpage layout. Offsets are relative to the superpage base.
//
//	PP0       guard system page, metadata system page, guard pages
//	PP1       free-slot bitmap (1 bit per 16 bytes of the superpage)
//	PP2-PP3   state bitmap     (2 bits per 16 bytes of the superpage)
//	PP4-PP11  tag bitmap       (1 tag byte per 16 bytes of payload)
//	PP12-126  slot span payload
//	PP127     trailing guard
const (
	// MetadataOffset is where the superpage header lives inside PP0.
	MetadataOffset = SystemPageSize
	MetadataSize   = SystemPageSize

	FreeSlotBitmapOffset = 1 * PartitionPageSize
	FreeSlotBitmapSize   = 1 * PartitionPageSize

	StateBitmapOffset = 2 * PartitionPageSize
	StateBitmapSize   = 2 * PartitionPageSize

	TagBitmapOffset = 4 * PartitionPageSize
	TagBitmapSize   = 8 * PartitionPageSize

	// FirstPayloadPartitionPage is the index of the first partition page that
	// can hold slot spans.
	FirstPayloadPartitionPage = 12
	// EndPayloadPartitionPage is one past the last payload partition page.
	EndPayloadPartitionPage = NumPartitionPagesPerSuperPage - 1

	PayloadOffset = FirstPayloadPartitionPage * PartitionPageSize
	PayloadEnd    = EndPayloadPartitionPage * PartitionPageSize
	PayloadSize   = PayloadEnd - PayloadOffset
)

// Bucket and direct map limits.
const (
	// MaxBucketed is the largest slot size served by the bucketed allocator.
	// Anything bigger is direct mapped.
	MaxBucketed = 256 << 10

	// MaxPartitionPagesPerSlotSpan caps the size of one slot span.
	MaxPartitionPagesPerSlotSpan = 16

	// MaxSlotSpanSize is the largest slot span in bytes.
	MaxSlotSpanSize = MaxPartitionPagesPerSlotSpan * PartitionPageSize

	// MaxDirectMapAlignment is the largest alignment a direct map honours.
	MaxDirectMapAlignment = SuperPageSize / 2
)

// Masks over uintptr addresses.
const (
	SystemPageOffsetMask    uintptr = SystemPageSize - 1
	SystemPageBaseMask              = ^SystemPageOffsetMask
	PartitionPageOffsetMask uintptr = PartitionPageSize - 1
	PartitionPageBaseMask           = ^PartitionPageOffsetMask
	SuperPageOffsetMask     uintptr = SuperPageSize - 1
	SuperPageBaseMask               = ^SuperPageOffsetMask
)

// Compile-time proofs that every bitmap region covers what it indexes. Each
// array length goes negative, and the build fails, if a region is too small.
var (
	// one free-slot bit per smallest slot in the whole superpage
	_ [FreeSlotBitmapSize*8 - SuperPageSize/SlotAlignment]struct{}
	// two state bits per smallest slot in the whole superpage
	_ [StateBitmapSize*8 - 2*SuperPageSize/SlotAlignment]struct{}
	// one tag unit per tag stride of the payload
	_ [TagBitmapSize - (PayloadSize>>TagStrideShift)*TagBits/8]struct{}
	// the bitmap regions must not run into the payload
	_ [PayloadOffset - (TagBitmapOffset + TagBitmapSize)]struct{}
	// the largest slot span must fit in the payload
	_ [PayloadSize - MaxSlotSpanSize]struct{}
	// bucketed slots must fit in one slot span
	_ [MaxSlotSpanSize - MaxBucketed]struct{}
)
