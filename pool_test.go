package atomalloc

import (
	"errors"
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fklr/atomalloc/malloc"
)

func TestArenaGrow(t *testing.T) {
	assert := require.New(t)

	_, err := createArena(300, 1, 2)
	assert.Error(err)

	a, err := createArena(256, 3, 2)
	assert.NoError(err)
	t.Cleanup(a.free)

	c, ch, err := a.grow()
	assert.NoError(err)
	assert.Equal(uint32(0), c)
	assert.Len(ch.bins, 3)
	assert.Equal(int64(256), a.mapped.Load())

	c, _, err = a.grow()
	assert.NoError(err)
	assert.Equal(uint32(1), c)
	assert.Len(a.words(1, 128, 128), 32)

	_, _, err = a.grow()
	assert.ErrorIs(err, ErrOutOfMemory)

	a.free()
	assert.Zero(a.mapped.Load())
}

func TestArenaMapFailure(t *testing.T) {
	assert := require.New(t)

	orig := mapMemory
	t.Cleanup(func() { mapMemory = orig })
	mapMemory = func(uint) (unsafe.Pointer, error) { return nil, malloc.ErrNoMemory }

	a, err := createArena(256, 1, 2)
	assert.NoError(err)
	_, _, err = a.grow()
	assert.ErrorIs(err, malloc.ErrNoMemory)
	assert.Zero(a.mapped.Load())

	cfg := TestConfig()
	cfg.withDefaults()
	_, err = newMemoryPool(&cfg)
	assert.ErrorIs(err, malloc.ErrNoMemory)
}

func TestChunkRefs(t *testing.T) {
	assert := require.New(t)

	var c chunk
	assert.True(c.acquire())
	assert.True(c.acquire())
	assert.False(c.release())
	assert.True(c.release())

	c.state.Store(chunkRebuilding)
	assert.False(c.acquire())
}

func newTestPool(t *testing.T) *memoryPool {
	t.Helper()
	cfg := TestConfig()
	cfg.withDefaults()
	p, err := newMemoryPool(&cfg)
	require.NoError(t, err)
	t.Cleanup(p.close)
	return p
}

func TestSlotDesc(t *testing.T) {
	assert := require.New(t)

	var s slot
	s.desc.Store(packDesc(1<<20-1, 1<<30-64, 30))
	c, off, k := s.storage()
	assert.Equal(uint32(1<<20-1), c)
	assert.Equal(uint32(1<<30-64), off)
	assert.Equal(uint(30), k)
	assert.Equal(uint64(1<<30), s.capacity())
}

func TestPoolCarveCeiling(t *testing.T) {
	assert := require.New(t)

	p := newTestPool(t)
	ids := make([]uint32, 0, 16)
	for range 16 {
		idx, err := p.carve(1024, 4)
		assert.NoError(err)
		ids = append(ids, idx)
	}
	assert.Equal(uint64(16<<10), p.inUse.Load())
	assert.Equal(int64(16<<10), p.arena.mapped.Load())

	_, err := p.carve(1024, 4)
	assert.ErrorIs(err, ErrOutOfMemory)
	_, err = p.carve(64, 0)
	assert.ErrorIs(err, ErrOutOfMemory)
	assert.Equal(uint64(16<<10), p.inUse.Load())

	p.reclaim(ids[3])
	assert.Equal(uint64(15<<10), p.inUse.Load())

	idx, err := p.carve(1024, 4)
	assert.NoError(err)
	assert.Equal(ids[3], idx)
	assert.Equal(int32(4), p.slots.get(idx).class.Load())
}

func TestPoolSplit(t *testing.T) {
	assert := require.New(t)

	p := newTestPool(t)
	a, err := p.carve(64, 0)
	assert.NoError(err)
	c, off, k := p.slots.get(a).storage()
	assert.Equal(uint32(0), c)
	assert.Zero(off)
	assert.Equal(uint(6), k)

	// 4096 = 64 + 64 + 128 + 256 + 512 + 1024 + 2048
	ch := p.arena.chunk(0)
	for o := range ch.bins {
		want := 1
		if o == len(ch.bins)-1 {
			want = 0
		}
		assert.Equal(want, ch.bins[o].len(), "order %d", uint(o)+p.minOrder)
	}

	b, err := p.carve(64, 0)
	assert.NoError(err)
	_, off, _ = p.slots.get(b).storage()
	assert.Equal(uint32(64), off)

	big, err := p.carve(1024, 4)
	assert.NoError(err)
	_, off, k = p.slots.get(big).storage()
	assert.Equal(uint32(1024), off)
	assert.Equal(uint(10), k)
	assert.Len(p.words(p.slots.get(big)), 256)
	assert.Equal(uint64(64+64+1024), p.inUse.Load())
	assert.Equal(int64(4<<10), p.arena.mapped.Load())
}

func TestPoolRebuild(t *testing.T) {
	assert := require.New(t)

	p := newTestPool(t)
	a, err := p.carve(64, 0)
	assert.NoError(err)
	b, err := p.carve(256, 2)
	assert.NoError(err)

	p.reclaim(a)
	ch := p.arena.chunk(0)
	assert.Equal(uint64(1), ch.state.Load())
	p.reclaim(b)
	assert.Zero(ch.state.Load())
	assert.Zero(p.inUse.Load())

	top := len(ch.bins) - 1
	for o := range ch.bins[:top] {
		assert.Zero(ch.bins[o].len())
	}
	assert.Equal(1, ch.bins[top].len())
	assert.NotZero(p.spare.len())

	whole, err := p.carve(4096, classOversized)
	assert.NoError(err)
	_, off, k := p.slots.get(whole).storage()
	assert.Zero(off)
	assert.Equal(uint(12), k)
	assert.Equal(int64(4<<10), p.arena.mapped.Load())
}

func TestPoolReuseAcrossSizes(t *testing.T) {
	assert := require.New(t)

	p := newTestPool(t)
	small := make([]uint32, 0, 256)
	for range 256 {
		idx, err := p.carve(64, 0)
		assert.NoError(err)
		small = append(small, idx)
	}
	assert.Equal(p.capacity, p.inUse.Load())
	for _, idx := range small {
		p.reclaim(idx)
	}
	assert.Zero(p.inUse.Load())

	for range 16 {
		_, err := p.carve(1024, 4)
		assert.NoError(err)
	}
	_, err := p.carve(1024, 4)
	assert.ErrorIs(err, ErrOutOfMemory)
	assert.Equal(int64(16<<10), p.arena.mapped.Load())
	assert.LessOrEqual(uint64(p.slots.len()), TestConfig().slotCount())
}

func TestPoolAlignment(t *testing.T) {
	assert := require.New(t)

	p := newTestPool(t)
	a, err := p.carve(70, classOversized)
	assert.NoError(err)
	b, err := p.carve(8, classOversized)
	assert.NoError(err)

	assert.Equal(uint64(128), p.slots.get(a).capacity())
	assert.Equal(uint64(64), p.slots.get(b).capacity())
	for _, idx := range []uint32{a, b} {
		s := p.slots.get(idx)
		_, off, _ := s.storage()
		assert.Zero(uint64(off) % s.capacity())
	}

	_, err = p.carve(8192, classOversized)
	assert.ErrorIs(err, ErrOutOfMemory)
	assert.Equal(uint64(192), p.inUse.Load())
}

func TestPoolConcurrent(t *testing.T) {
	assert := require.New(t)

	p := newTestPool(t)
	const (
		workers = 8
		rounds  = 2000
	)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(uint64(w), 3))
			mark := uint32(w + 1)
			held := make([]uint32, 0, 4)
			check := func(idx uint32) error {
				words := p.words(p.slots.get(idx))
				if words[0] != mark || words[len(words)-1] != mark {
					return errors.New("storage shared between blocks")
				}
				return nil
			}
			for range rounds {
				if len(held) == cap(held) || (len(held) > 0 && r.IntN(2) == 0) {
					idx := held[len(held)-1]
					held = held[:len(held)-1]
					if err := check(idx); err != nil {
						return err
					}
					p.reclaim(idx)
					continue
				}
				idx, err := p.carve(64<<r.IntN(5), 0)
				if errors.Is(err, ErrOutOfMemory) {
					continue
				}
				if err != nil {
					return err
				}
				words := p.words(p.slots.get(idx))
				words[0], words[len(words)-1] = mark, mark
				held = append(held, idx)
			}
			for _, idx := range held {
				if err := check(idx); err != nil {
					return err
				}
				p.reclaim(idx)
			}
			return nil
		})
	}
	assert.NoError(g.Wait())
	assert.Zero(p.inUse.Load())

	for i := range p.arena.chunks {
		ch := p.arena.chunk(uint32(i))
		if ch == nil {
			continue
		}
		top := len(ch.bins) - 1
		assert.Zero(ch.state.Load(), "chunk %d", i)
		assert.Equal(1, ch.bins[top].len(), "chunk %d", i)
	}
}
