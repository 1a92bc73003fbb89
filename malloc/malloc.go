// Package malloc provides the raw memory used for arena chunks and ring
// buffers. Memory handed out here lives outside the Go heap and must be
// released with Free.
package malloc

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/smasher164/mem"
)

// ErrNoMemory is returned when the provider cannot satisfy a request.
var ErrNoMemory = errors.New("malloc: no memory")

// Provider maps and unmaps raw memory. Alloc returns nil on failure.
type Provider interface {
	Alloc(size uint) unsafe.Pointer
	Free(ptr unsafe.Pointer)
}

type system struct{}

func (system) Alloc(size uint) unsafe.Pointer {
	return mem.Alloc(size)
}

func (system) Free(ptr unsafe.Pointer) {
	mem.Free(ptr)
}

var (
	provider    Provider = system{}
	replaced    atomic.Bool
	outstanding atomic.Int64
)

// SetProvider replaces the process wide memory provider. It must be called
// before any arena is created and only once.
func SetProvider(p Provider) {
	if p == nil {
		panic("malloc: nil provider")
	}
	if !replaced.CompareAndSwap(false, true) {
		panic("malloc: provider already set")
	}
	provider = p
}

// Alloc maps size bytes. The memory is not guaranteed to be zeroed.
func Alloc(size uint) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero sized request", ErrNoMemory)
	}
	ptr := provider.Alloc(size)
	if ptr == nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoMemory, size)
	}
	outstanding.Add(1)
	return ptr, nil
}

// Free releases memory returned by Alloc. Nil is ignored.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	outstanding.Add(-1)
	provider.Free(ptr)
}

// Outstanding reports how many Alloc results have not been freed yet.
func Outstanding() int64 {
	return outstanding.Load()
}
