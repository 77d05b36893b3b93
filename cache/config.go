package cache

import (
	"fmt"
	"time"
)

// PolicyKind selects the eviction ordering a Cache enforces.
type PolicyKind string

const (
	FIFO PolicyKind = "fifo"
	LRU  PolicyKind = "lru"
)

// Config describes the geometry and policy of a Cache. It is the concrete
// struct an external loader (CLI flags, a config file) populates and hands
// to New; this module does not load configuration itself.
type Config struct {
	// MinAlloc and MaxAlloc bound the buddy allocator's block sizes; both
	// must be powers of two, MinAlloc <= MaxAlloc.
	MinAlloc int
	MaxAlloc int
	// ArenaSize is the size of each arena; must be a multiple of MaxAlloc.
	ArenaSize int
	// TotalSize is the overall capacity budget; must be a multiple of
	// ArenaSize. NumArenas is derived as TotalSize/ArenaSize.
	TotalSize int64
	// PolicyKind selects FIFO or LRU eviction ordering.
	PolicyKind PolicyKind
	// LowWaterFraction is the fraction of TotalSize the background sweep
	// tries to stay under, e.g. 0.9. Zero defaults to 0.9.
	LowWaterFraction float64
	// SweepInterval is the period of the background eviction sweep. Zero
	// defaults to 5s.
	SweepInterval time.Duration
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate checks Config for the construction-time violations spec.md §7
// requires to be caught before a Cache starts serving requests.
func (c Config) Validate() error {
	if !isPowerOfTwo(c.MinAlloc) {
		return fmt.Errorf("cache: MinAlloc must be a power of two, got %d", c.MinAlloc)
	}
	if c.MinAlloc < 8 {
		return fmt.Errorf("cache: MinAlloc must be >= 8, got %d", c.MinAlloc)
	}
	if !isPowerOfTwo(c.MaxAlloc) {
		return fmt.Errorf("cache: MaxAlloc must be a power of two, got %d", c.MaxAlloc)
	}
	if c.MinAlloc > c.MaxAlloc {
		return fmt.Errorf("cache: MinAlloc (%d) must be <= MaxAlloc (%d)", c.MinAlloc, c.MaxAlloc)
	}
	if !isPowerOfTwo(c.ArenaSize) {
		return fmt.Errorf("cache: ArenaSize must be a power of two, got %d", c.ArenaSize)
	}
	if c.ArenaSize%c.MaxAlloc != 0 {
		return fmt.Errorf("cache: ArenaSize (%d) must be a multiple of MaxAlloc (%d)", c.ArenaSize, c.MaxAlloc)
	}
	if c.TotalSize <= 0 || c.TotalSize%int64(c.ArenaSize) != 0 {
		return fmt.Errorf("cache: TotalSize (%d) must be a positive multiple of ArenaSize (%d)", c.TotalSize, c.ArenaSize)
	}
	switch c.PolicyKind {
	case FIFO, LRU:
	default:
		return fmt.Errorf("cache: unknown PolicyKind %q", c.PolicyKind)
	}
	if c.LowWaterFraction < 0 || c.LowWaterFraction > 1 {
		return fmt.Errorf("cache: LowWaterFraction must be in [0,1], got %v", c.LowWaterFraction)
	}
	return nil
}

func (c Config) numArenas() int {
	return int(c.TotalSize / int64(c.ArenaSize))
}

func (c Config) lowWaterFraction() float64 {
	if c.LowWaterFraction == 0 {
		return 0.9
	}
	return c.LowWaterFraction
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval == 0 {
		return 5 * time.Second
	}
	return c.SweepInterval
}
