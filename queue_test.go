package atomalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAlign(t *testing.T) {
	assert := require.New(t)

	assert.True(isPow2(1))
	assert.True(isPow2(64))
	assert.False(isPow2(0))
	assert.False(isPow2(96))

	assert.Equal(uint64(1), alignPow2(0))
	assert.Equal(uint64(128), alignPow2(100))
	assert.Equal(uint64(128), alignPow2(128))
	assert.Equal(uint64(1024), alignPow2(1000))

	assert.Equal(uint64(16), alignUp(1, 16))
	assert.Equal(uint64(16), alignUp(16, 16))
	assert.Equal(uint64(32), alignUp(17, 16))
}

func newTestSlots(t *testing.T, n int) *slotTable {
	t.Helper()
	tbl := newSlotTable(uint64(n))
	for range n {
		_, _, ok := tbl.alloc()
		require.True(t, ok)
	}
	return tbl
}

func TestIndexStack(t *testing.T) {
	assert := require.New(t)

	tbl := newTestSlots(t, 4)
	_, _, ok := tbl.alloc()
	assert.False(ok)

	var s indexStack
	_, ok = s.pop(tbl)
	assert.False(ok)

	s.push(tbl, 0)
	s.push(tbl, 1)
	assert.True(s.tryPush(tbl, 2, 3))
	assert.False(s.tryPush(tbl, 3, 3))
	assert.Equal(3, s.len())

	for _, want := range []uint32{2, 1, 0} {
		idx, ok := s.pop(tbl)
		assert.True(ok)
		assert.Equal(want, idx)
	}
	_, ok = s.pop(tbl)
	assert.False(ok)
	assert.Equal(0, s.len())
}

func TestIndexStackConcurrent(t *testing.T) {
	assert := require.New(t)

	const (
		workers = 8
		perWork = 64
		rounds  = 2000
	)
	tbl := newTestSlots(t, workers*perWork)
	var s indexStack
	for i := range uint32(workers * perWork) {
		s.push(tbl, i)
	}

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			held := make([]uint32, 0, perWork)
			for r := range rounds {
				if r%2 == 0 {
					if idx, ok := s.pop(tbl); ok {
						held = append(held, idx)
					}
					continue
				}
				if n := len(held); n > 0 {
					s.push(tbl, held[n-1])
					held = held[:n-1]
				}
			}
			for _, idx := range held {
				s.push(tbl, idx)
			}
			return nil
		})
	}
	assert.NoError(g.Wait())

	seen := make(map[uint32]bool)
	for {
		idx, ok := s.pop(tbl)
		if !ok {
			break
		}
		assert.False(seen[idx], "index %d popped twice", idx)
		seen[idx] = true
	}
	assert.Len(seen, workers*perWork)
}
