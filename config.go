package atomalloc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxMemory        = 1 << 30
	defaultMaxBlockSize     = 64 << 10
	defaultMinBlockSize     = 64
	defaultAlignment        = 16
	defaultCacheTTL         = 300 * time.Second
	defaultMaxCaches        = 1000
	defaultInitialPoolSize  = 1 << 20
	defaultHotCapacity      = 8
	defaultFreeListCapacity = 1024
	defaultRetryBudget      = 8

	maxChunkSize = 1 << 30
	maxChunks    = 1 << 20
	maxSlots     = 1 << 28
	maxColdCache = 1 << 20
)

// Config is read once by WithConfig and never changes afterwards. Zero
// values of the tuning knobs below ZeroOnDealloc select their defaults.
type Config struct {
	MaxMemory       uint64        `json:"max_memory" yaml:"max_memory"`
	MaxBlockSize    uint64        `json:"max_block_size" yaml:"max_block_size"`
	MinBlockSize    uint64        `json:"min_block_size" yaml:"min_block_size"`
	Alignment       uint64        `json:"alignment" yaml:"alignment"`
	CacheTTL        time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MaxCaches       int           `json:"max_caches" yaml:"max_caches"`
	InitialPoolSize uint64        `json:"initial_pool_size" yaml:"initial_pool_size"`
	ZeroOnDealloc   bool          `json:"zero_on_dealloc" yaml:"zero_on_dealloc"`

	// HotCapacity bounds the hot tier of each size class. Negative disables it.
	HotCapacity int `json:"hot_capacity" yaml:"hot_capacity"`
	// FreeListCapacity bounds each size class free list.
	FreeListCapacity int `json:"free_list_capacity" yaml:"free_list_capacity"`
	// RetryBudget is how many times Allocate retries after the pool reports
	// out of memory. Negative disables retries.
	RetryBudget int `json:"retry_budget" yaml:"retry_budget"`
	// RejectOversized turns requests above MaxBlockSize into ErrOutOfMemory
	// instead of carving them directly from the pool.
	RejectOversized bool `json:"reject_oversized" yaml:"reject_oversized"`
}

func DefaultConfig() Config {
	return Config{
		MaxMemory:        defaultMaxMemory,
		MaxBlockSize:     defaultMaxBlockSize,
		MinBlockSize:     defaultMinBlockSize,
		Alignment:        defaultAlignment,
		CacheTTL:         defaultCacheTTL,
		MaxCaches:        defaultMaxCaches,
		InitialPoolSize:  defaultInitialPoolSize,
		ZeroOnDealloc:    true,
		HotCapacity:      defaultHotCapacity,
		FreeListCapacity: defaultFreeListCapacity,
		RetryBudget:      defaultRetryBudget,
	}
}

// TestConfig is a small configuration that makes pool pressure easy to reach.
func TestConfig() Config {
	return Config{
		MaxMemory:        16 << 10,
		MaxBlockSize:     1 << 10,
		MinBlockSize:     64,
		Alignment:        8,
		CacheTTL:         60 * time.Second,
		MaxCaches:        100,
		InitialPoolSize:  4 << 10,
		ZeroOnDealloc:    true,
		HotCapacity:      defaultHotCapacity,
		FreeListCapacity: defaultFreeListCapacity,
		RetryBudget:      defaultRetryBudget,
	}
}

// withDefaults resolves zero knobs. Negative values are kept and mean
// disabled.
func (c *Config) withDefaults() {
	if c.HotCapacity == 0 {
		c.HotCapacity = defaultHotCapacity
	}
	if c.FreeListCapacity == 0 {
		c.FreeListCapacity = defaultFreeListCapacity
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = defaultRetryBudget
	}
}

func (c *Config) Validate() error {
	if c.MaxMemory < c.InitialPoolSize {
		return fmt.Errorf("max_memory (%d) must be >= initial_pool_size (%d)", c.MaxMemory, c.InitialPoolSize)
	}
	if !isPow2(c.MinBlockSize) {
		return fmt.Errorf("min_block_size (%d) must be a power of 2", c.MinBlockSize)
	}
	if !isPow2(c.MaxBlockSize) {
		return fmt.Errorf("max_block_size (%d) must be a power of 2", c.MaxBlockSize)
	}
	if c.MaxBlockSize < c.MinBlockSize {
		return fmt.Errorf("max_block_size (%d) must be >= min_block_size (%d)", c.MaxBlockSize, c.MinBlockSize)
	}
	if !isPow2(c.Alignment) {
		return fmt.Errorf("alignment (%d) must be a power of 2", c.Alignment)
	}
	if c.Alignment > c.MinBlockSize {
		return fmt.Errorf("alignment (%d) must be <= min_block_size (%d)", c.Alignment, c.MinBlockSize)
	}
	if c.MaxCaches <= 0 {
		return fmt.Errorf("max_caches must be > 0")
	}
	if c.MaxCaches > maxColdCache {
		return fmt.Errorf("max_caches (%d) must be <= %d", c.MaxCaches, maxColdCache)
	}
	if c.InitialPoolSize == 0 {
		return fmt.Errorf("initial_pool_size must be > 0")
	}
	if max(c.InitialPoolSize, c.MaxBlockSize) > maxChunkSize {
		return fmt.Errorf("initial_pool_size (%d) exceeds the chunk limit %d", c.InitialPoolSize, maxChunkSize)
	}
	if n := c.chunkLimit(); n > maxChunks {
		return fmt.Errorf("max_memory (%d) needs %d chunks of %d bytes, more than %d", c.MaxMemory, n, c.chunkSize(), maxChunks)
	}
	if n := c.slotCount(); n > maxSlots {
		return fmt.Errorf("max_memory (%d) holds %d blocks of min_block_size, more than %d", c.MaxMemory, n, maxSlots)
	}
	if c.FreeListCapacity < 0 {
		return fmt.Errorf("free_list_capacity (%d) must be >= 0", c.FreeListCapacity)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl (%s) must be >= 0", c.CacheTTL)
	}
	return nil
}

// granule is the smallest piece the pool hands out.
func (c *Config) granule() uint64 {
	return max(c.MinBlockSize, c.Alignment, 4)
}

func (c *Config) chunkSize() uint64 {
	return alignPow2(max(c.InitialPoolSize, c.MaxBlockSize, c.granule()))
}

// chunkLimit is the number of chunks the arena may map. One more than the
// ceiling needs leaves room for storage stranded by long lived blocks.
func (c *Config) chunkLimit() uint64 {
	size := c.chunkSize()
	n := c.MaxMemory / size
	if c.MaxMemory%size != 0 {
		n++
	}
	return n + 1
}

func (c *Config) slotCount() uint64 {
	return c.chunkLimit() * (c.chunkSize() / c.granule())
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
