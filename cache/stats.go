package cache

import "sync/atomic"

// Stats is a point-in-time snapshot of cache activity: plain atomic
// counters read out on demand, not a metrics exporter (spec.md §1 excludes
// "metrics glue" — this is its in-process readout, not an emitter).
type Stats struct {
	Hits           int64
	Misses         int64
	BytesAllocated int64
	BytesEvicted   int64
	Evictions      int64
}

type statCounters struct {
	hits           atomic.Int64
	misses         atomic.Int64
	bytesAllocated atomic.Int64
	bytesEvicted   atomic.Int64
	evictions      atomic.Int64
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		BytesAllocated: c.bytesAllocated.Load(),
		BytesEvicted:   c.bytesEvicted.Load(),
		Evictions:      c.evictions.Load(),
	}
}
