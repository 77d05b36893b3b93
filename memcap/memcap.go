// Package memcap implements the global capacity accounting described in
// spec §4.C: it arbitrates between the allocator's desire to grow and the
// eviction policy's obligation to reclaim.
package memcap

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrOutOfCapacity is returned when a reservation cannot be satisfied even
// after invoking the evictor.
var ErrOutOfCapacity = errors.New("memcap: out of capacity")

// Evictor is implemented by the eviction coordinator (cache package). It is
// the callback spec's design note 9 uses to break the allocator/policy
// cycle: the Manager never references the policy or the index directly.
type Evictor interface {
	// EvictAtLeast asks the policy to reclaim at least n bytes, returning
	// how many bytes were actually freed (may be less than n if every
	// candidate is pinned).
	EvictAtLeast(n int64) int64
}

// Manager tracks outstanding allocated bytes against a fixed total budget.
type Manager struct {
	total     int64
	allocated atomic.Int64

	evictor Evictor

	// RetryBudget bounds the number of (evict, retry) rounds attempted
	// when waitForEviction is true. SpinDelay is the yield between rounds.
	RetryBudget int
	SpinDelay   time.Duration
}

// New creates a Manager with the given total byte budget.
func New(total int64, evictor Evictor) *Manager {
	return &Manager{
		total:       total,
		evictor:     evictor,
		RetryBudget: 8,
		SpinDelay:   time.Millisecond,
	}
}

// TotalSize returns the configured capacity.
func (m *Manager) TotalSize() int64 { return m.total }

// Allocated returns the current outstanding byte count.
func (m *Manager) Allocated() int64 { return m.allocated.Load() }

// Reserve accounts for n additional bytes becoming outstanding. If the
// budget is already exhausted it asks the evictor to reclaim up to n bytes;
// when waitForEviction is true it retries up to RetryBudget times with a
// brief yield between rounds (bounded suspension, per spec §5), otherwise
// it fails immediately with ErrOutOfCapacity.
func (m *Manager) Reserve(ctx context.Context, n int64, waitForEviction bool) error {
	if m.tryReserve(n) {
		return nil
	}

	rounds := 1
	if waitForEviction {
		rounds = m.RetryBudget
	}

	for i := 0; i < rounds; i++ {
		shortfall := m.shortfall(n)
		if shortfall > 0 {
			m.evictor.EvictAtLeast(shortfall)
		}
		if m.tryReserve(n) {
			return nil
		}
		if !waitForEviction {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.SpinDelay):
		}
	}
	return ErrOutOfCapacity
}

// Release returns n bytes to the budget. It is the caller's responsibility
// to call this exactly once per successful Reserve (including any bytes
// returned by a later arena.Free).
func (m *Manager) Release(n int64) {
	m.allocated.Add(-n)
}

func (m *Manager) shortfall(n int64) int64 {
	cur := m.allocated.Load()
	need := cur + n - m.total
	if need < 0 {
		return 0
	}
	return need
}

func (m *Manager) tryReserve(n int64) bool {
	for {
		cur := m.allocated.Load()
		if cur+n > m.total {
			return false
		}
		if m.allocated.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}
