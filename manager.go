package atomalloc

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/phuslu/log"
)

// blockManager issues blocks from cache, free list and pool in that order
// and owns the global generation counter every handle is checked against.
type blockManager struct {
	id      string
	cfg     Config
	pool    *memoryPool
	classes *sizeClasses
	cache   *blockCache
	stats   allocStats

	generation atomic.Uint64
	closed     atomic.Bool

	// testHookAcquired runs after a slot is stamped and before acquire
	// commits to it.
	testHookAcquired func()
}

func newBlockManager(id string, cfg Config) (*blockManager, error) {
	m := &blockManager{id: id, cfg: cfg}
	pool, err := newMemoryPool(&m.cfg)
	if err != nil {
		return nil, fmt.Errorf("memory pool: %w", err)
	}
	m.pool = pool
	m.classes = newSizeClasses(&m.cfg)
	if m.cache, err = newBlockCache(m, &m.cfg); err != nil {
		pool.close()
		return nil, err
	}
	return m, nil
}

func (m *blockManager) nextGeneration() uint64 {
	return m.generation.Add(1)
}

func (m *blockManager) slot(idx uint32) *slot {
	t := m.pool.slots
	if idx >= t.len() {
		return nil
	}
	if t.pages[idx>>slotPageShift].Load() == nil {
		return nil
	}
	return t.get(idx)
}

func (m *blockManager) acquire(ctx context.Context, size uint64) (idx uint32, gen uint64, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	cls := m.classes.classFor(size)
	if cls == nil && (m.cfg.RejectOversized || alignPow2(size) > m.pool.arena.chunkSize) {
		err = fmt.Errorf("%w: %d bytes exceeds max block size %d", ErrOutOfMemory, size, m.cfg.MaxBlockSize)
		return
	}
	idx, hit, err := m.reserve(ctx, cls, size)
	if err != nil {
		return
	}
	if gen, err = m.stamp(idx, size); err != nil {
		return
	}
	defer func() {
		if err != nil {
			m.abandon(idx, gen)
		}
	}()
	if m.testHookAcquired != nil {
		m.testHookAcquired()
	}
	if err = ctx.Err(); err != nil {
		return
	}
	// counted on commit only: every allocation is exactly one hit or miss
	if hit {
		m.stats.cacheHits.Add(1)
	} else {
		m.stats.cacheMisses.Add(1)
	}
	m.stats.recordAllocation(m.pool.slots.get(idx).capacity())
	return
}

func (m *blockManager) reserve(ctx context.Context, cls *sizeClass, size uint64) (uint32, bool, error) {
	capacity, class := alignPow2(size), int32(classOversized)
	if cls != nil {
		capacity, class = cls.size, cls.index
	}
	slots := m.pool.slots
	for attempt := 0; ; attempt++ {
		if cls != nil {
			if idx, ok := m.cache.tryReuse(cls); ok {
				return idx, true, nil
			}
			if idx, ok := cls.popFree(slots); ok {
				return idx, false, nil
			}
		}
		idx, err := m.pool.carve(capacity, class)
		if err == nil {
			return idx, false, nil
		}
		if attempt >= m.cfg.RetryBudget {
			log.Debug().Str("allocator", m.id).Uint64("size", capacity).Int("attempts", attempt+1).Msg("pool exhausted")
			return 0, false, err
		}
		m.stats.oomRetries.Add(1)
		m.relieve(cls)
		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
	}
}

// relieve returns memory to the pool before an out of memory retry: expired
// cold entries first, then the free lists of every other class.
func (m *blockManager) relieve(cls *sizeClass) {
	if m.cache.sweep(true) > 0 {
		return
	}
	slots := m.pool.slots
	reclaimed := 0
	for _, c := range m.classes.classes {
		if c == cls {
			continue
		}
		for {
			idx, ok := c.popFree(slots)
			if !ok {
				break
			}
			m.reclaim(idx)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		log.Debug().Str("allocator", m.id).Int("reclaimed", reclaimed).Msg("free lists drained under pressure")
	}
}

// stamp publishes a fresh generation on a reserved slot and marks it
// allocated. Zeroed and cached bits are cleared.
func (m *blockManager) stamp(idx uint32, size uint64) (uint64, error) {
	s := m.pool.slots.get(idx)
	gen := m.nextGeneration()
	s.size.Store(size)
	for {
		old := s.state.Load()
		if old&flagAllocated != 0 {
			return 0, m.corrupt(idx, old)
		}
		if s.state.CompareAndSwap(old, gen|flagAllocated) {
			return gen, nil
		}
	}
}

// abandon undoes a reservation whose caller went away before it was handed
// out. The slot goes back to the cache, or to the pool when oversized.
func (m *blockManager) abandon(idx uint32, gen uint64) {
	s := m.pool.slots.get(idx)
	if !m.transition(s, gen, flagAllocated, gen, 0) {
		return
	}
	log.Debug().Str("allocator", m.id).Uint32("slot", idx).Msg("abandoned reservation returned")
	m.park(idx, s, gen)
}

func (m *blockManager) release(ctx context.Context, idx uint32, gen uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := m.verify(idx, gen)
	if err != nil {
		return err
	}
	for {
		old := s.state.Load()
		if err := m.check(old, gen); err != nil {
			return err
		}
		if s.state.CompareAndSwap(old, old&^flagAllocated) {
			break
		}
	}
	if m.cfg.ZeroOnDealloc {
		zeroWords(m.pool.words(s))
		m.setFlag(s, flagZeroed)
	}
	m.stats.recordDeallocation(s.capacity())
	m.park(idx, s, gen)
	return nil
}

// park moves a freshly released slot into the cache. Oversized slots are
// never cached.
func (m *blockManager) park(idx uint32, s *slot, gen uint64) {
	cls := m.classes.byIndex(s.class.Load())
	if cls == nil {
		m.reclaim(idx)
		return
	}
	m.transition(s, gen, 0, gen, flagCached)
	m.cache.offer(idx, cls)
}

// demote moves a Cached slot to its class free list, or to the pool when
// the free list is full. A new generation is drawn for the crossing.
func (m *blockManager) demote(idx uint32) {
	s := m.pool.slots.get(idx)
	old := s.state.Load()
	if !m.transition(s, old&generationMask, flagCached, m.nextGeneration(), 0) {
		log.Error().Str("allocator", m.id).Uint32("slot", idx).Uint64("state", s.state.Load()).Msg("demote of a block that is not cached")
		return
	}
	if cls := m.classes.byIndex(s.class.Load()); cls != nil && cls.pushFree(m.pool.slots, idx) {
		return
	}
	m.reclaim(idx)
}

// reclaim returns a Free or Cached slot's bytes to the pool.
func (m *blockManager) reclaim(idx uint32) {
	s := m.pool.slots.get(idx)
	gen := m.nextGeneration()
	for {
		old := s.state.Load()
		if old&(flagAllocated|flagReclaimed) != 0 {
			log.Error().Str("allocator", m.id).Uint32("slot", idx).Uint64("state", old).Msg("reclaim of a live block")
			return
		}
		if s.state.CompareAndSwap(old, gen|old&flagZeroed|flagReclaimed) {
			break
		}
	}
	m.stats.reclaims.Add(1)
	m.pool.reclaim(idx)
}

// transition swaps the slot from generation gen with exactly the from state
// bits to newGen with the to bits, keeping the zeroed bit.
func (m *blockManager) transition(s *slot, gen, from, newGen, to uint64) bool {
	for {
		old := s.state.Load()
		if old&generationMask != gen || old&stateMask != from {
			return false
		}
		if s.state.CompareAndSwap(old, newGen|old&flagZeroed|to) {
			return true
		}
	}
}

func (m *blockManager) setFlag(s *slot, flag uint64) {
	for {
		old := s.state.Load()
		if old&flag != 0 || s.state.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

func (m *blockManager) verify(idx uint32, gen uint64) (*slot, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	s := m.slot(idx)
	if s == nil {
		return nil, &GenerationError{Found: gen}
	}
	return s, m.check(s.state.Load(), gen)
}

// check compares a packed state word against the handle's generation. The
// word must be loaded before the global counter for the ordering argument
// to hold: a stamped generation is always drawn from the counter first.
func (m *blockManager) check(word, gen uint64) error {
	found := word & generationMask
	if cur := m.generation.Load(); found > cur {
		log.Error().Str("allocator", m.id).Uint64("found", found).Uint64("current", cur).Msg("block generation from the future")
		return &GenerationError{Found: found, Expected: cur, Corrupt: true}
	}
	if found != gen || word&flagAllocated == 0 {
		return &GenerationError{Found: gen, Expected: found}
	}
	return nil
}

func (m *blockManager) corrupt(idx uint32, word uint64) error {
	log.Error().Str("allocator", m.id).Uint32("slot", idx).Uint64("state", word).Msg("reserved slot is already allocated")
	return &GenerationError{Found: word & generationMask, Expected: m.generation.Load(), Corrupt: true}
}

func (m *blockManager) snapshot() Stats {
	st := m.stats.snapshot()
	st.PoolBytes = m.pool.inUse.Load()
	st.MappedBytes = uint64(m.pool.arena.mapped.Load())
	st.HotBlocks = m.cache.hotLen()
	st.ColdBlocks = m.cache.coldLen()
	st.Slots = m.pool.slots.len()
	st.Generation = m.generation.Load()
	return st
}

// close moves every slot to Reclaimed and unmaps the arena. It must not race
// with other operations.
func (m *blockManager) close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	gen := m.nextGeneration()
	for i := uint32(0); i < m.pool.slots.len(); i++ {
		if s := m.slot(i); s != nil {
			s.state.Store(gen | flagReclaimed)
		}
	}
	m.cache.close()
	m.pool.close()
	log.Debug().Msgf("Allocator %s closed", m.id)
}

// markZeroed sets or clears the zeroed bit of a live block owned by gen.
func (m *blockManager) markZeroed(s *slot, gen uint64, zeroed bool) error {
	for {
		old := s.state.Load()
		if err := m.check(old, gen); err != nil {
			return err
		}
		nw := old &^ flagZeroed
		if zeroed {
			nw |= flagZeroed
		}
		if old == nw || s.state.CompareAndSwap(old, nw) {
			return nil
		}
	}
}
