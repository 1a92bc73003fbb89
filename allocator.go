// Package atomalloc is a lock-free block allocator. Blocks are carved from a
// bounded pool, recycled through power-of-two size classes and a hot/cold
// cache, and addressed through generation checked handles so that double
// frees and use after free surface as errors instead of corrupting memory.
package atomalloc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// Layout describes an allocation request.
type Layout struct {
	Size  int
	Align int
}

// NewLayout validates size and align. Alignment support beyond the
// allocator's configured alignment is checked by Allocate.
func NewLayout(size, align int) (Layout, error) {
	l := Layout{Size: size, Align: align}
	if err := l.check(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (l Layout) check() error {
	if l.Size <= 0 {
		return &LayoutError{Size: l.Size, Align: l.Align, Reason: "size must be > 0"}
	}
	if l.Align <= 0 || !isPow2(uint64(l.Align)) {
		return &LayoutError{Size: l.Size, Align: l.Align, Reason: "alignment must be a power of 2"}
	}
	return nil
}

// Allocator is safe for concurrent use. Close must not run concurrently with
// any other method.
type Allocator struct {
	m *blockManager
}

// New returns an allocator with DefaultConfig.
func New() *Allocator {
	a, err := WithConfig(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return a
}

func WithConfig(cfg Config) (*Allocator, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("atomalloc: %w", err)
	}
	id := uuid.NewString()
	m, err := newBlockManager(id, cfg)
	if err != nil {
		return nil, fmt.Errorf("atomalloc: %w", err)
	}
	log.Debug().Str("allocator", id).
		Uint64("max_memory", cfg.MaxMemory).
		Uint64("chunk_size", m.pool.arena.chunkSize).
		Int("size_classes", len(m.classes.classes)).
		Msg("allocator created")
	return &Allocator{m: m}, nil
}

// ID identifies the allocator in log events.
func (a *Allocator) ID() string {
	return a.m.id
}

// Config returns the effective configuration, defaults applied.
func (a *Allocator) Config() Config {
	return a.m.cfg
}

// Allocate returns a block of at least layout.Size bytes. When the pool is
// exhausted it relieves the cache and yields between retries; ctx bounds how
// long that may go on.
func (a *Allocator) Allocate(ctx context.Context, layout Layout) (Block, error) {
	if err := layout.check(); err != nil {
		return Block{}, err
	}
	if uint64(layout.Align) > a.m.pool.align {
		return Block{}, &LayoutError{Size: layout.Size, Align: layout.Align, Reason: "alignment exceeds the configured alignment"}
	}
	if a.m.closed.Load() {
		return Block{}, ErrClosed
	}
	idx, gen, err := a.m.acquire(ctx, uint64(layout.Size))
	if err != nil {
		return Block{}, err
	}
	return Block{m: a.m, idx: idx, gen: gen}, nil
}

// Deallocate releases b. Any later use of b, or of a copy of it, fails with
// a *GenerationError.
func (a *Allocator) Deallocate(ctx context.Context, b Block) error {
	if b.m != a.m {
		return fmt.Errorf("%w: block does not belong to this allocator", ErrInvalidGeneration)
	}
	return a.m.release(ctx, b.idx, b.gen)
}

func (a *Allocator) Stats() Stats {
	return a.m.snapshot()
}

// Trim moves expired cold cache entries to their free lists and returns how
// many were moved.
func (a *Allocator) Trim() int {
	if a.m.closed.Load() {
		return 0
	}
	return a.m.cache.sweep(false)
}

// Close releases all backing memory. Outstanding blocks become invalid.
func (a *Allocator) Close() error {
	if a.m.closed.Load() {
		return ErrClosed
	}
	a.m.close()
	return nil
}
