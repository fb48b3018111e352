package partition

import (
	"fmt"
	"slices"

	"github.com/joshuapare/pakit/internal/layout"
)

// SizeClassConfig defines the bucket size strategy.
//
// Every power of two from 16 bytes to MaxBucketed is a bucket, and each
// power-of-two range is split into PerOrder evenly spaced classes (rounded to
// the slot alignment) to bound internal fragmentation.
type SizeClassConfig struct {
	// Name for this configuration (for stats and the CLI)
	Name string

	// PerOrder is the number of classes between consecutive powers of two.
	// Must be a power of two; 1 gives pure power-of-two buckets.
	PerOrder int
}

// Predefined configurations.
var (
	// ConfigSparse: four classes per order, at most 25% internal waste.
	ConfigSparse = SizeClassConfig{Name: "Sparse", PerOrder: 4}

	// ConfigDense: eight classes per order, at most 12.5% waste, more buckets.
	ConfigDense = SizeClassConfig{Name: "Dense", PerOrder: 8}

	// ConfigPowerOfTwo: one class per order. Fewest buckets, up to 50% waste.
	ConfigPowerOfTwo = SizeClassConfig{Name: "PowerOfTwo", PerOrder: 1}

	// DefaultSizeClasses is used when Options.SizeClasses is nil.
	DefaultSizeClasses = ConfigSparse
)

// Validate checks the configuration.
func (c SizeClassConfig) Validate() error {
	if c.PerOrder < 1 || c.PerOrder > 16 || !layout.IsPowerOfTwo(uintptr(c.PerOrder)) {
		return fmt.Errorf("%w: size classes %q: PerOrder %d must be a power of two in [1, 16]",
			ErrInvalidOptions, c.Name, c.PerOrder)
	}
	return nil
}

// sizeClassTable holds the computed slot sizes.
type sizeClassTable struct {
	config SizeClassConfig
	sizes  []uintptr // ascending slot sizes, one per bucket
}

// newSizeClassTable computes the slot sizes for config.
func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	t := &sizeClassTable{config: config, sizes: make([]uintptr, 0, 128)}
	per := uintptr(config.PerOrder)
	for order := uintptr(layout.SlotAlignment); order <= layout.MaxBucketed; order <<= 1 {
		step := order / per
		for k := uintptr(0); k < per; k++ {
			size := layout.AlignSlot(order + k*step)
			if size > layout.MaxBucketed {
				break
			}
			if n := len(t.sizes); n == 0 || t.sizes[n-1] < size {
				t.sizes = append(t.sizes, size)
			}
		}
	}
	return t
}

// index returns the bucket index for a raw slot size, or -1 when the size
// must be direct mapped.
func (t *sizeClassTable) index(size uintptr) int {
	i, _ := slices.BinarySearch(t.sizes, size)
	if i == len(t.sizes) {
		return -1
	}
	return i
}

// powerOfTwoIndex returns the bucket whose slot size is the smallest power of
// two >= size, or -1.
func (t *sizeClassTable) powerOfTwoIndex(size uintptr) int {
	if size > layout.MaxBucketed {
		return -1
	}
	return t.index(layout.NextPowerOfTwo(max(size, layout.SlotAlignment)))
}

// String returns the configuration name.
func (t *sizeClassTable) String() string {
	return t.config.Name
}

// NumClasses returns the number of buckets.
func (t *sizeClassTable) NumClasses() int {
	return len(t.sizes)
}

// SlotSizes returns the ascending slot sizes the configuration produces.
func (c SizeClassConfig) SlotSizes() []uintptr {
	return slices.Clone(newSizeClassTable(c).sizes)
}

// SlotSpanPages returns how many partition pages a slot span of slotSize
// occupies.
func SlotSpanPages(slotSize uintptr) int { return spanPagesFor(slotSize) }
