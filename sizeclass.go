package atomalloc

import "math/bits"

// sizeClass is one power-of-two bucket. Its free list only ever holds Free
// slots whose capacity equals size.
type sizeClass struct {
	index int32
	size  uint64
	limit int
	free  indexStack
}

func (c *sizeClass) pushFree(t *slotTable, idx uint32) bool {
	return c.free.tryPush(t, idx, c.limit)
}

func (c *sizeClass) popFree(t *slotTable) (uint32, bool) {
	return c.free.pop(t)
}

type sizeClasses struct {
	min      uint64
	max      uint64
	minShift int
	classes  []*sizeClass
}

func newSizeClasses(cfg *Config) *sizeClasses {
	s := &sizeClasses{
		min:      cfg.MinBlockSize,
		max:      cfg.MaxBlockSize,
		minShift: bits.TrailingZeros64(cfg.MinBlockSize),
	}
	for size := cfg.MinBlockSize; size <= cfg.MaxBlockSize; size <<= 1 {
		s.classes = append(s.classes, &sizeClass{
			index: int32(len(s.classes)),
			size:  size,
			limit: cfg.FreeListCapacity,
		})
	}
	return s
}

// classFor picks the smallest class that fits size, clamped to the minimum
// block size. Sizes above the maximum block size have no class.
func (s *sizeClasses) classFor(size uint64) *sizeClass {
	if size > s.max {
		return nil
	}
	if size <= s.min {
		return s.classes[0]
	}
	return s.classes[bits.Len64(size-1)-s.minShift]
}

func (s *sizeClasses) byIndex(i int32) *sizeClass {
	if i < 0 || int(i) >= len(s.classes) {
		return nil
	}
	return s.classes[i]
}
