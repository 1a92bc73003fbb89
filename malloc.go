package atomalloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/phuslu/log"

	"github.com/fklr/atomalloc/malloc"
)

// mapMemory is the source of arena chunks and the cold ring buffer.
var mapMemory = malloc.Alloc

// chunkRebuilding is set in chunk.state while a drained chunk is folded back
// into a single piece. The remaining bits count carved blocks.
const chunkRebuilding = 1 << 63

type binLink struct {
	next   atomic.Uint32
	hinted atomic.Bool
}

// chunk is a power-of-two region of raw memory. Free pieces of it wait in
// per order bins; state counts blocks carved from it that are not reclaimed.
type chunk struct {
	ptr   unsafe.Pointer
	words []uint32

	state atomic.Uint64
	bins  []indexStack
	links []binLink
}

// acquire takes a live reference unless the chunk is being rebuilt.
func (c *chunk) acquire() bool {
	for {
		old := c.state.Load()
		if old&chunkRebuilding != 0 {
			return false
		}
		if c.state.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// release drops a live reference and reports whether it was the last one.
func (c *chunk) release() bool {
	return c.state.Add(^uint64(0)) == 0
}

// arena maps fixed size chunks on demand. A chunk index is claimed by
// advancing the cursor with a compare-and-swap; a failed mapping leaves the
// index unused.
type arena struct {
	chunkSize uint64
	orders    int
	limit     uint32

	cursor atomic.Uint32
	chunks []atomic.Pointer[chunk]
	mapped atomic.Int64
}

func createArena(chunkSize uint64, orders int, limit uint32) (*arena, error) {
	if !isPow2(chunkSize) || chunkSize > maxChunkSize {
		return nil, fmt.Errorf("chunk size %d is not a power of 2 up to %d", chunkSize, maxChunkSize)
	}
	a := &arena{
		chunkSize: chunkSize,
		orders:    orders,
		limit:     limit,
		chunks:    make([]atomic.Pointer[chunk], limit),
	}
	return a, nil
}

// grow maps the next unused chunk and returns its index.
func (a *arena) grow() (uint32, *chunk, error) {
	var i uint32
	for {
		i = a.cursor.Load()
		if i >= a.limit {
			return 0, nil, ErrOutOfMemory
		}
		if a.cursor.CompareAndSwap(i, i+1) {
			break
		}
	}
	ptr, err := mapMemory(uint(a.chunkSize))
	if err != nil {
		log.Warn().Err(err).Uint32("chunk", i).Msg("arena chunk not mapped")
		return 0, nil, err
	}
	c := &chunk{
		ptr:   ptr,
		words: unsafe.Slice((*uint32)(ptr), a.chunkSize/4),
		bins:  make([]indexStack, a.orders),
		links: make([]binLink, a.orders),
	}
	clear(c.words)
	a.chunks[i].Store(c)
	a.mapped.Add(int64(a.chunkSize))
	log.Debug().Msgf("Arena chunk %d mapped, %d bytes", i, a.chunkSize)
	return i, c, nil
}

func (a *arena) chunk(i uint32) *chunk {
	return a.chunks[i].Load()
}

// link addresses the hint node of bin order o in chunk c as c*orders+o.
func (a *arena) link(idx uint32) *atomic.Uint32 {
	c := a.chunks[idx/uint32(a.orders)].Load()
	return &c.links[idx%uint32(a.orders)].next
}

func (a *arena) words(chunk, offset, size uint32) []uint32 {
	c := a.chunks[chunk].Load()
	return c.words[offset/4 : (offset+size)/4]
}

func (a *arena) free() {
	for i := range a.chunks {
		c := a.chunks[i].Swap(nil)
		if c == nil {
			continue
		}
		malloc.Free(c.ptr)
		a.mapped.Add(-int64(a.chunkSize))
	}
}
