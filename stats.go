package atomalloc

import "sync/atomic"

// Stats is a point-in-time snapshot. Counters are read individually, so a
// snapshot taken under load is not a consistent cut across fields.
type Stats struct {
	// CacheHits and CacheMisses are counted when an allocation commits;
	// failed and cancelled requests count as neither.
	CacheHits     uint64 `json:"cache_hits" yaml:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses" yaml:"cache_misses"`
	Allocations   uint64 `json:"allocations" yaml:"allocations"`
	Deallocations uint64 `json:"deallocations" yaml:"deallocations"`
	BytesInUse    uint64 `json:"bytes_in_use" yaml:"bytes_in_use"`

	BytesAllocated uint64 `json:"bytes_allocated" yaml:"bytes_allocated"`
	BytesFreed     uint64 `json:"bytes_freed" yaml:"bytes_freed"`
	PoolBytes      uint64 `json:"pool_bytes" yaml:"pool_bytes"`
	MappedBytes    uint64 `json:"mapped_bytes" yaml:"mapped_bytes"`
	Evictions      uint64 `json:"evictions" yaml:"evictions"`
	Reclaims       uint64 `json:"reclaims" yaml:"reclaims"`
	OOMRetries     uint64 `json:"oom_retries" yaml:"oom_retries"`
	HotBlocks      int    `json:"hot_blocks" yaml:"hot_blocks"`
	ColdBlocks     int    `json:"cold_blocks" yaml:"cold_blocks"`
	Slots          uint32 `json:"slots" yaml:"slots"`
	Generation     uint64 `json:"generation" yaml:"generation"`
}

type allocStats struct {
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	allocations    atomic.Uint64
	deallocations  atomic.Uint64
	bytesInUse     atomic.Int64
	bytesAllocated atomic.Uint64
	bytesFreed     atomic.Uint64
	evictions      atomic.Uint64
	reclaims       atomic.Uint64
	oomRetries     atomic.Uint64
}

func (s *allocStats) recordAllocation(size uint64) {
	s.allocations.Add(1)
	s.bytesAllocated.Add(size)
	s.bytesInUse.Add(int64(size))
}

func (s *allocStats) recordDeallocation(size uint64) {
	s.deallocations.Add(1)
	s.bytesFreed.Add(size)
	s.bytesInUse.Add(-int64(size))
}

func (s *allocStats) snapshot() Stats {
	inUse := s.bytesInUse.Load()
	if inUse < 0 {
		inUse = 0
	}
	return Stats{
		CacheHits:      s.cacheHits.Load(),
		CacheMisses:    s.cacheMisses.Load(),
		Allocations:    s.allocations.Load(),
		Deallocations:  s.deallocations.Load(),
		BytesInUse:     uint64(inUse),
		BytesAllocated: s.bytesAllocated.Load(),
		BytesFreed:     s.bytesFreed.Load(),
		Evictions:      s.evictions.Load(),
		Reclaims:       s.reclaims.Load(),
		OOMRetries:     s.oomRetries.Load(),
	}
}
