package atomalloc

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory indicates the pool ceiling or the retry budget was exhausted.
	ErrOutOfMemory = errors.New("atomalloc: out of memory")

	// ErrInvalidGeneration indicates a handle whose slot was released or recycled.
	ErrInvalidGeneration = errors.New("atomalloc: invalid generation")

	// ErrOutOfBounds indicates a read or write past the end of a block.
	ErrOutOfBounds = errors.New("atomalloc: out of bounds")

	// ErrInvalidLayout indicates a zero size or an unsupported alignment.
	ErrInvalidLayout = errors.New("atomalloc: invalid layout")

	// ErrClosed indicates use of an allocator after Close.
	ErrClosed = errors.New("atomalloc: allocator closed")
)

// GenerationError reports a failed generation check. For a stale handle
// Found is the handle's generation and Expected the slot's. When Corrupt is
// set the slot carried a generation newer than the global counter: Found is
// the slot's generation and Expected the counter.
type GenerationError struct {
	Found    uint64
	Expected uint64
	Corrupt  bool
}

func (e *GenerationError) Error() string {
	if e.Corrupt {
		return fmt.Sprintf("atomalloc: corrupt block generation %d (current %d)", e.Found, e.Expected)
	}
	if e.Found == e.Expected {
		return fmt.Sprintf("atomalloc: block generation %d is not allocated", e.Found)
	}
	return fmt.Sprintf("atomalloc: invalid block generation %d (expected %d)", e.Found, e.Expected)
}

func (e *GenerationError) Unwrap() error {
	return ErrInvalidGeneration
}

type BoundsError struct {
	Offset int
	Len    int
	Size   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("atomalloc: out of bounds access: offset %d len %d exceeds size %d", e.Offset, e.Len, e.Size)
}

func (e *BoundsError) Unwrap() error {
	return ErrOutOfBounds
}

type LayoutError struct {
	Size   int
	Align  int
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("atomalloc: invalid layout size %d align %d: %s", e.Size, e.Align, e.Reason)
}

func (e *LayoutError) Unwrap() error {
	return ErrInvalidLayout
}
