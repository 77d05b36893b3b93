// Package cache wires the allocator, memory manager, eviction policy, and
// cached-range index behind a single public façade: the eviction
// coordinator of spec.md §4.G, plus construction-time configuration
// validation and a background sweep goroutine, per spec.md §5.
package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stripecache/stripecache/allocator"
	"github.com/stripecache/stripecache/buffer"
	"github.com/stripecache/stripecache/evictpolicy"
	"github.com/stripecache/stripecache/internal/gopool"
	"github.com/stripecache/stripecache/rangeindex"
)

// logf is the package's default logger: overridable, never required, the
// same convention internal/gopool uses for its panic handler.
var logf = log.Printf

// SetLogger overrides the function used to log a background sweep that
// evicts nothing while the cache is above its low-water mark.
func SetLogger(f func(format string, args ...interface{})) {
	logf = f
}

// Cache is the public façade over the cache subsystem: allocation, the
// cached-range index, and eviction, all behind one API.
type Cache struct {
	cfg    Config
	policy evictpolicy.Policy
	index  *rangeindex.Index
	alloc  *allocator.Allocator

	pool   *gopool.GoPool
	stopCh chan struct{}
	once   sync.Once

	stats statCounters
}

// New validates cfg and constructs a Cache, starting its background sweep
// goroutine. Configuration violations are detected here and prevent
// startup, per spec.md §7.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var policy evictpolicy.Policy
	switch cfg.PolicyKind {
	case LRU:
		policy = evictpolicy.NewLRU()
	default:
		policy = evictpolicy.NewFIFO()
	}

	c := &Cache{
		cfg:    cfg,
		policy: policy,
		index:  rangeindex.New(policy),
		stopCh: make(chan struct{}),
	}

	alloc, err := allocator.New(allocator.Config{
		NumArenas: cfg.numArenas(),
		ArenaSize: cfg.ArenaSize,
		MinAlloc:  cfg.MinAlloc,
		MaxAlloc:  cfg.MaxAlloc,
	}, c)
	if err != nil {
		return nil, err
	}
	c.alloc = alloc

	c.pool = gopool.New("stripecache-sweep", nil)
	c.pool.Go(c.sweepLoop)
	return c, nil
}

// Get answers an ordered list of probe ranges for file, mixing cache hits
// (pinned, release via Release) with gap descriptors the caller must fetch
// from storage and hand back through Put.
func (c *Cache) Get(file string, ranges []rangeindex.Range) []rangeindex.Result {
	results := c.index.GetFileData(file, ranges)
	for _, r := range results {
		if r.IsHit() {
			c.stats.hits.Add(1)
		} else {
			c.stats.misses.Add(1)
		}
	}
	return results
}

// Put allocates and registers len(data) freshly-produced byte ranges for
// file. The returned handles are pinned once each; the caller releases
// them via Release when done (whether newly inserted or, on a conflict,
// the winning handle already present in the index).
func (c *Cache) Put(ctx context.Context, file string, ranges []rangeindex.Range, data [][]byte) ([]*buffer.Handle, []uint64, error) {
	if len(ranges) != len(data) {
		panic("cache: len(ranges) != len(data)")
	}

	buffers := make([]*buffer.Handle, len(data))
	for i, d := range data {
		dest := []*buffer.Handle{c.alloc.CreateUnallocated()}
		ok, err := c.alloc.AllocateMultiple(ctx, dest, file, len(d))
		if !ok {
			for j := 0; j < i; j++ {
				buffers[j].Release()
				c.alloc.Deallocate(buffers[j])
			}
			return nil, nil, err
		}
		copy(c.alloc.Bytes(dest[0]), d)
		c.stats.bytesAllocated.Add(int64(dest[0].Length))
		buffers[i] = dest[0]
	}

	mask, discarded := c.index.PutFileData(file, ranges, buffers)
	for _, d := range discarded {
		if d != nil {
			d.Release()
			c.alloc.Deallocate(d)
		}
	}
	return buffers, mask, nil
}

// Release drops a pin obtained via Get or Put.
func (c *Cache) Release(h *buffer.Handle) {
	c.index.Release(h)
}

// Bytes returns the backing slice for a handle returned by Get or Put.
func (c *Cache) Bytes(h *buffer.Handle) []byte {
	return c.alloc.Bytes(h)
}

// Stats returns a point-in-time snapshot of cache activity counters.
func (c *Cache) Stats() Stats {
	return c.stats.snapshot()
}

// Close stops the background sweep goroutine. It does not release any
// outstanding pins; callers must do that themselves first.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}

// EvictAtLeast implements memcap.Evictor: invoked by the allocator's
// memcap.Manager when a reservation can't be satisfied from the existing
// budget.
func (c *Cache) EvictAtLeast(n int64) int64 {
	return c.policy.EvictSomeBlocks(n, c)
}

// NotifyEvicted implements evictpolicy.Listener: the glue spec.md §4.G
// specifies, invoked once per victim an eviction walk invalidates.
func (c *Cache) NotifyEvicted(h *buffer.Handle) {
	c.index.NotifyEvicted(h)
	c.stats.bytesEvicted.Add(int64(h.Length))
	c.stats.evictions.Add(1)
	c.alloc.Deallocate(h)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	lowWater := int64(float64(c.cfg.TotalSize) * c.cfg.lowWaterFraction())
	allocated := c.alloc.CapManager().Allocated()
	if allocated <= lowWater {
		return
	}
	if evicted := c.policy.EvictSomeBlocks(allocated-lowWater, c); evicted == 0 {
		logf("stripecache: background sweep made no progress, allocated=%d lowWater=%d", allocated, lowWater)
	}
}
