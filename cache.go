package atomalloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/phuslu/log"
	"go.yuchanns.xyz/xxchan"

	"github.com/fklr/atomalloc/malloc"
)

// coldAttempts bounds how often offer tries to make room in the cold tier
// before demoting the incoming block itself.
const coldAttempts = 4

// blockCache keeps released blocks warm. The hot tier is a small LIFO per
// size class; the cold tier is a single FIFO ring shared by every class,
// oldest entry first, aged out after the configured TTL.
type blockCache struct {
	m        *blockManager
	hot      []indexStack
	hotLimit int

	cold    *xxchan.Channel[uint32]
	coldBuf unsafe.Pointer
	coldN   atomic.Int64
	maxCold int64

	ttl   int64
	timer *timer
}

func newBlockCache(m *blockManager, cfg *Config) (*blockCache, error) {
	size := int(alignPow2(uint64(cfg.MaxCaches)))
	ptr, err := mapMemory(uint(xxchan.Sizeof[uint32](size)))
	if err != nil {
		return nil, fmt.Errorf("cold cache ring: %w", err)
	}
	return &blockCache{
		m:        m,
		hot:      make([]indexStack, len(m.classes.classes)),
		hotLimit: cfg.HotCapacity,
		cold:     xxchan.Make[uint32](ptr, size),
		coldBuf:  ptr,
		maxCold:  int64(cfg.MaxCaches),
		ttl:      ticks(cfg.CacheTTL),
		timer:    newTimer(),
	}, nil
}

func (c *blockCache) expired(s *slot, now int64) bool {
	return now-s.touched.Load() >= c.ttl
}

// offer parks a Cached slot. When the cold tier is full its oldest entry is
// demoted to make room; pressure is pushed down, never dropped.
func (c *blockCache) offer(idx uint32, cls *sizeClass) {
	slots := c.m.pool.slots
	if c.hotLimit > 0 && c.hot[cls.index].tryPush(slots, idx, c.hotLimit) {
		return
	}
	slots.get(idx).touched.Store(c.timer.Now())
	for range coldAttempts {
		if c.pushCold(idx) {
			return
		}
		old, ok := c.cold.Pop()
		if !ok {
			break
		}
		c.coldN.Add(-1)
		c.m.stats.evictions.Add(1)
		log.Debug().Uint32("slot", old).Msg("cold cache full, evicting oldest")
		c.m.demote(old)
	}
	c.m.demote(idx)
}

func (c *blockCache) pushCold(idx uint32) bool {
	if c.coldN.Add(1) <= c.maxCold && c.cold.Push(idx) {
		return true
	}
	c.coldN.Add(-1)
	return false
}

// tryReuse pops from the hot tier, then scans the cold tier for the first
// live entry of the class. Expired entries met on the way are demoted.
func (c *blockCache) tryReuse(cls *sizeClass) (uint32, bool) {
	slots := c.m.pool.slots
	if idx, ok := c.hot[cls.index].pop(slots); ok {
		return idx, true
	}
	now := c.timer.Now()
	for n := c.coldN.Load(); n > 0; n-- {
		idx, ok := c.cold.Pop()
		if !ok {
			break
		}
		c.coldN.Add(-1)
		s := slots.get(idx)
		switch {
		case c.expired(s, now):
			c.m.stats.evictions.Add(1)
			c.m.demote(idx)
		case s.class.Load() == cls.index:
			return idx, true
		default:
			c.requeue(idx)
		}
	}
	return 0, false
}

func (c *blockCache) requeue(idx uint32) {
	if !c.pushCold(idx) {
		c.m.demote(idx)
	}
}

// sweep walks the cold tier once. Expired entries are reclaimed to the pool
// when reclaim is set and demoted to their free list otherwise. It returns
// the number of entries removed.
func (c *blockCache) sweep(reclaim bool) int {
	now := c.timer.Now()
	removed := 0
	for n := c.coldN.Load(); n > 0; n-- {
		idx, ok := c.cold.Pop()
		if !ok {
			break
		}
		c.coldN.Add(-1)
		if !c.expired(c.m.pool.slots.get(idx), now) {
			c.requeue(idx)
			continue
		}
		removed++
		c.m.stats.evictions.Add(1)
		if reclaim {
			c.m.reclaim(idx)
		} else {
			c.m.demote(idx)
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Bool("reclaim", reclaim).Msg("cold cache swept")
	}
	return removed
}

func (c *blockCache) hotLen() (n int) {
	for i := range c.hot {
		n += c.hot[i].len()
	}
	return
}

func (c *blockCache) coldLen() int {
	if n := c.coldN.Load(); n > 0 {
		return int(n)
	}
	return 0
}

func (c *blockCache) close() {
	malloc.Free(c.coldBuf)
	c.coldBuf = nil
}
