package atomalloc

import (
	"math/bits"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

func isPow2(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

func alignPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return 1 << bits.Len64(x-1)
}

func alignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// linker resolves the next-link of an index. Slots and chunk bins each
// keep their own links.
type linker interface {
	link(idx uint32) *atomic.Uint32
}

// indexStack is a lock-free LIFO of indices. Links are stored in the
// linked elements, the head packs an ABA tag in the high half and index+1 in the low
// half so that zero means empty.
type indexStack struct {
	_    cpu.CacheLinePad
	head atomic.Uint64
	// n counts entries plus in-flight bounded pushes.
	n atomic.Int64
	_ cpu.CacheLinePad
}

func (s *indexStack) push(l linker, idx uint32) {
	s.n.Add(1)
	s.insert(l, idx)
}

// tryPush pushes idx unless the stack already holds limit entries.
func (s *indexStack) tryPush(l linker, idx uint32, limit int) bool {
	if s.n.Add(1) > int64(limit) {
		s.n.Add(-1)
		return false
	}
	s.insert(l, idx)
	return true
}

func (s *indexStack) insert(l linker, idx uint32) {
	next := l.link(idx)
	for {
		old := s.head.Load()
		next.Store(uint32(old))
		if s.head.CompareAndSwap(old, (old>>32+1)<<32|uint64(idx+1)) {
			return
		}
	}
}

func (s *indexStack) pop(l linker) (idx uint32, ok bool) {
	for {
		old := s.head.Load()
		top := uint32(old)
		if top == 0 {
			return 0, false
		}
		next := l.link(top - 1).Load()
		if s.head.CompareAndSwap(old, (old>>32+1)<<32|uint64(next)) {
			s.n.Add(-1)
			return top - 1, true
		}
	}
}

func (s *indexStack) len() int {
	if n := s.n.Load(); n > 0 {
		return int(n)
	}
	return 0
}
