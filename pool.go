package atomalloc

import (
	"math/bits"
	"sync/atomic"

	"github.com/phuslu/log"
)

const (
	slotPageShift = 10
	slotPageSize  = 1 << slotPageShift
	slotPageMask  = slotPageSize - 1

	classOversized = -1

	descOrderBits  = 6
	descOffsetBits = 30
)

// slot is the stable identity of a block. desc packs the chunk, the byte
// offset and the log2 capacity of the storage behind it; it changes only
// while the slot sits in the pool.
type slot struct {
	state   atomic.Uint64
	size    atomic.Uint64
	desc    atomic.Uint64
	touched atomic.Int64
	next    atomic.Uint32
	class   atomic.Int32
}

func packDesc(chunk, offset uint32, order uint) uint64 {
	return uint64(chunk)<<(descOffsetBits+descOrderBits) | uint64(offset)<<descOrderBits | uint64(order)
}

func (s *slot) storage() (chunk, offset uint32, order uint) {
	d := s.desc.Load()
	chunk = uint32(d >> (descOffsetBits + descOrderBits))
	offset = uint32(d>>descOrderBits) & (1<<descOffsetBits - 1)
	order = uint(d & (1<<descOrderBits - 1))
	return
}

func (s *slot) capacity() uint64 {
	return 1 << (s.desc.Load() & (1<<descOrderBits - 1))
}

type slotPage [slotPageSize]slot

type slotTable struct {
	pages []atomic.Pointer[slotPage]
	next  atomic.Uint32
	max   uint32
}

func newSlotTable(maxSlots uint64) *slotTable {
	if maxSlots > 1<<32-1 {
		maxSlots = 1<<32 - 1
	}
	return &slotTable{
		pages: make([]atomic.Pointer[slotPage], (maxSlots+slotPageSize-1)/slotPageSize),
		max:   uint32(maxSlots),
	}
}

func (t *slotTable) get(idx uint32) *slot {
	return &t.pages[idx>>slotPageShift].Load()[idx&slotPageMask]
}

func (t *slotTable) link(idx uint32) *atomic.Uint32 {
	return &t.get(idx).next
}

func (t *slotTable) alloc() (uint32, *slot, bool) {
	var idx uint32
	for {
		idx = t.next.Load()
		if idx >= t.max {
			return 0, nil, false
		}
		if t.next.CompareAndSwap(idx, idx+1) {
			break
		}
	}
	p := &t.pages[idx>>slotPageShift]
	if p.Load() == nil {
		p.CompareAndSwap(nil, new(slotPage))
	}
	return idx, t.get(idx), true
}

func (t *slotTable) len() uint32 {
	return t.next.Load()
}

// memoryPool owns the arena and the capacity ceiling. Storage is handed out
// in power-of-two pieces: a request takes the smallest free piece that fits
// and splits off the rest, and a chunk whose last block is reclaimed is
// folded back into one piece.
type memoryPool struct {
	capacity uint64
	inUse    atomic.Uint64
	align    uint64

	minOrder uint
	maxOrder uint

	arena *arena
	slots *slotTable
	// spare holds identities whose storage was folded into a larger piece.
	spare indexStack
	// hints lists, per order, chunks whose bin of that order may hold a piece.
	hints []indexStack
}

func newMemoryPool(cfg *Config) (*memoryPool, error) {
	chunkSize := cfg.chunkSize()
	minOrder := uint(bits.TrailingZeros64(cfg.granule()))
	maxOrder := uint(bits.TrailingZeros64(chunkSize))
	orders := int(maxOrder-minOrder) + 1

	a, err := createArena(chunkSize, orders, uint32(cfg.chunkLimit()))
	if err != nil {
		return nil, err
	}
	p := &memoryPool{
		capacity: cfg.MaxMemory,
		align:    max(cfg.Alignment, 4),
		minOrder: minOrder,
		maxOrder: maxOrder,
		arena:    a,
		slots:    newSlotTable(cfg.slotCount()),
		hints:    make([]indexStack, orders),
	}
	idx, err := p.grow()
	if err != nil {
		return nil, err
	}
	c, _, _ := p.slots.get(idx).storage()
	ch := a.chunk(c)
	p.stash(c, ch, idx, maxOrder)
	ch.release()
	return p, nil
}

func (p *memoryPool) charge(n uint64) bool {
	for {
		cur := p.inUse.Load()
		if cur+n > p.capacity {
			return false
		}
		if p.inUse.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (p *memoryPool) uncharge(n uint64) {
	p.inUse.Add(^(n - 1))
}

func (p *memoryPool) orderOf(size uint64) uint {
	if size <= 1<<p.minOrder {
		return p.minOrder
	}
	return uint(bits.Len64(size - 1))
}

// carve reserves size bytes, rounded up to a power of two, and returns a
// slot holding them. It fails immediately with ErrOutOfMemory; retrying is
// the manager's business.
func (p *memoryPool) carve(size uint64, class int32) (uint32, error) {
	order := p.orderOf(size)
	if order > p.maxOrder {
		return 0, ErrOutOfMemory
	}
	n := uint64(1) << order
	if !p.charge(n) {
		return 0, ErrOutOfMemory
	}
	idx, ok := p.take(order)
	if !ok {
		var err error
		if idx, err = p.grow(); err != nil {
			p.uncharge(n)
			log.Debug().Uint64("size", n).Msg("arena exhausted")
			return 0, ErrOutOfMemory
		}
	}
	p.split(idx, order)
	p.slots.get(idx).class.Store(class)
	return idx, nil
}

// take pops the smallest free piece of at least order. The piece comes with
// a live reference on its chunk.
func (p *memoryPool) take(order uint) (uint32, bool) {
	for k := order; k <= p.maxOrder; k++ {
		if idx, ok := p.takeExact(k - p.minOrder); ok {
			return idx, true
		}
	}
	return 0, false
}

func (p *memoryPool) takeExact(o uint) (uint32, bool) {
	orders := uint32(p.arena.orders)
	for {
		h, ok := p.hints[o].pop(p.arena)
		if !ok {
			return 0, false
		}
		c := h / orders
		ch := p.arena.chunk(c)
		// cleared before the bin is looked at so a concurrent stash re-hints
		ch.links[o].hinted.Store(false)
		if !ch.acquire() {
			continue
		}
		idx, ok := ch.bins[o].pop(p.slots)
		if ch.bins[o].len() > 0 {
			p.hint(c, ch, o)
		}
		if ok {
			return idx, true
		}
		p.drop(c, ch)
	}
}

// grow maps a fresh chunk and returns a slot covering all of it, with a
// live reference held.
func (p *memoryPool) grow() (uint32, error) {
	c, ch, err := p.arena.grow()
	if err != nil {
		return 0, err
	}
	ch.acquire()
	return p.newSlot(packDesc(c, 0, p.maxOrder)), nil
}

// split trims the piece behind idx down to order and stashes the upper
// halves.
func (p *memoryPool) split(idx uint32, order uint) {
	s := p.slots.get(idx)
	c, off, k := s.storage()
	if k == order {
		return
	}
	ch := p.arena.chunk(c)
	s.desc.Store(packDesc(c, off, order))
	for k > order {
		k--
		p.stash(c, ch, p.newSlot(packDesc(c, off+1<<k, k)), k)
	}
}

func (p *memoryPool) newSlot(desc uint64) uint32 {
	idx, ok := p.spare.pop(p.slots)
	if !ok {
		if idx, _, ok = p.slots.alloc(); !ok {
			// every identity covers at least one granule of mapped storage
			panic("atomalloc: slot table exhausted")
		}
	}
	p.slots.get(idx).desc.Store(desc)
	return idx
}

func (p *memoryPool) stash(c uint32, ch *chunk, idx uint32, order uint) {
	o := order - p.minOrder
	ch.bins[o].push(p.slots, idx)
	p.hint(c, ch, o)
}

func (p *memoryPool) hint(c uint32, ch *chunk, o uint) {
	if ch.links[o].hinted.CompareAndSwap(false, true) {
		p.hints[o].push(p.arena, c*uint32(p.arena.orders)+uint32(o))
	}
}

// reclaim returns the slot's bytes to the pool. Other slots are unaffected.
func (p *memoryPool) reclaim(idx uint32) {
	c, _, k := p.slots.get(idx).storage()
	p.uncharge(1 << k)
	ch := p.arena.chunk(c)
	p.stash(c, ch, idx, k)
	p.drop(c, ch)
}

// drop releases a live reference. The last one out rebuilds the chunk.
func (p *memoryPool) drop(c uint32, ch *chunk) {
	if ch.release() {
		p.rebuild(c, ch)
	}
}

// rebuild folds a chunk without live blocks back into a single piece.
// Carvers skip the chunk until it is done.
func (p *memoryPool) rebuild(c uint32, ch *chunk) {
	top := p.maxOrder - p.minOrder
	if ch.bins[top].len() > 0 {
		return
	}
	if !ch.state.CompareAndSwap(0, chunkRebuilding) {
		return
	}
	pieces := 0
	for o := range ch.bins {
		for {
			idx, ok := ch.bins[o].pop(p.slots)
			if !ok {
				break
			}
			p.spare.push(p.slots, idx)
			pieces++
		}
	}
	ch.bins[top].push(p.slots, p.newSlot(packDesc(c, 0, p.maxOrder)))
	ch.state.Store(0)
	p.hint(c, ch, top)
	log.Debug().Uint32("chunk", c).Int("pieces", pieces).Msg("chunk rebuilt")
}

func (p *memoryPool) words(s *slot) []uint32 {
	c, off, k := s.storage()
	return p.arena.words(c, off, 1<<k)
}

func (p *memoryPool) close() {
	p.arena.free()
}
