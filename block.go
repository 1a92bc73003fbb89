package atomalloc

import (
	"encoding/binary"
	"sync/atomic"
)

// The packed state word of a slot: the generation in the low bits and the
// flags on top. Both only ever change together through one CAS.
const (
	flagAllocated uint64 = 1 << 63
	flagZeroed    uint64 = 1 << 62
	flagCached    uint64 = 1 << 61
	flagReclaimed uint64 = 1 << 60

	generationMask = flagReclaimed - 1
	stateMask      = flagAllocated | flagCached | flagReclaimed
)

// Block is a handle to allocated memory. It stays valid until the block is
// deallocated; after that every operation on it fails with a
// *GenerationError, including operations on copies of the handle.
//
// Concurrent reads and writes are permitted. Every byte is individually
// atomic, but a read overlapping a write may return a mix of old and new
// bytes, and two overlapping writes have no winner across the range.
type Block struct {
	m   *blockManager
	idx uint32
	gen uint64
}

func (b Block) slot() (*slot, error) {
	if b.m == nil {
		return nil, &GenerationError{Found: b.gen}
	}
	return b.m.verify(b.idx, b.gen)
}

// Generation returns the generation the block was stamped with.
func (b Block) Generation() uint64 {
	return b.gen
}

// Valid reports whether the handle still refers to a live allocation.
func (b Block) Valid() bool {
	_, err := b.slot()
	return err == nil
}

// Size returns the requested size, or 0 for an invalid handle.
func (b Block) Size() int {
	s, err := b.slot()
	if err != nil {
		return 0
	}
	return int(s.size.Load())
}

// Cap returns the capacity of the backing storage, or 0 for an invalid handle.
func (b Block) Cap() int {
	s, err := b.slot()
	if err != nil {
		return 0
	}
	return int(s.capacity())
}

// Zeroed reports whether the block is known to hold only zero bytes. A fresh
// allocation reports false until Clear is called.
func (b Block) Zeroed() bool {
	s, err := b.slot()
	if err != nil {
		return false
	}
	return s.state.Load()&flagZeroed != 0
}

func (b Block) bounds(s *slot, offset, n int) error {
	size := int(s.size.Load())
	if offset < 0 || n < 0 || offset > size || n > size-offset {
		return &BoundsError{Offset: offset, Len: n, Size: size}
	}
	return nil
}

func (b Block) Write(offset int, data []byte) error {
	s, err := b.slot()
	if err != nil {
		return err
	}
	if err := b.bounds(s, offset, len(data)); err != nil {
		return err
	}
	storeBytes(b.m.pool.words(s), offset, data)
	return b.m.markZeroed(s, b.gen, false)
}

// Read returns a copy of n bytes at offset. The copy is discarded when the
// block was deallocated while it was taken.
func (b Block) Read(offset, n int) ([]byte, error) {
	s, err := b.slot()
	if err != nil {
		return nil, err
	}
	if err := b.bounds(s, offset, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	loadBytes(b.m.pool.words(s), offset, buf)
	if err := b.m.check(s.state.Load(), b.gen); err != nil {
		return nil, err
	}
	return buf, nil
}

// Clear zeroes the whole capacity of the block and marks it zeroed.
func (b Block) Clear() error {
	s, err := b.slot()
	if err != nil {
		return err
	}
	zeroWords(b.m.pool.words(s))
	return b.m.markZeroed(s, b.gen, true)
}

// storeBytes writes data at off. Aligned runs of four bytes are published
// with one store, the rest byte by byte with a CAS on the containing word.
func storeBytes(words []uint32, off int, data []byte) {
	for i := 0; i < len(data); {
		pos := off + i
		if pos&3 == 0 && len(data)-i >= 4 {
			atomic.StoreUint32(&words[pos>>2], binary.LittleEndian.Uint32(data[i:]))
			i += 4
			continue
		}
		storeByte(&words[pos>>2], uint(pos&3), data[i])
		i++
	}
}

func storeByte(w *uint32, k uint, v byte) {
	shift := k * 8
	for {
		old := atomic.LoadUint32(w)
		nw := old&^(0xFF<<shift) | uint32(v)<<shift
		if old == nw || atomic.CompareAndSwapUint32(w, old, nw) {
			return
		}
	}
}

func loadBytes(words []uint32, off int, dst []byte) {
	for i := 0; i < len(dst); {
		pos := off + i
		w := atomic.LoadUint32(&words[pos>>2])
		if pos&3 == 0 && len(dst)-i >= 4 {
			binary.LittleEndian.PutUint32(dst[i:], w)
			i += 4
			continue
		}
		dst[i] = byte(w >> (uint(pos&3) * 8))
		i++
	}
}

func zeroWords(words []uint32) {
	for i := range words {
		atomic.StoreUint32(&words[i], 0)
	}
}
