// Package buffer implements the refcounted buffer handle shared by the
// allocator, the cached-range index, and the eviction policy.
package buffer

import (
	"errors"
	"sync/atomic"
)

// errInvalidated is returned internally by IncRef when a handle has already
// been evicted. Callers (rangeindex) always recover it locally as
// a cache miss; it is never surfaced to an external caller.
var errInvalidated = errors.New("buffer: handle invalidated")

// ErrInvalidated reports whether err is the sentinel IncRef returns on a
// pin attempt against an invalidated handle.
func ErrInvalidated(err error) bool {
	return errors.Is(err, errInvalidated)
}

const (
	refMask        = uint64(0xFFFFFFFF)
	cachedBit      = uint64(1) << 32
	invalidatedBit = uint64(1) << 33
)

// Hook is the intrusive policy-list node embedded in every Handle. evictpolicy
// implementations (fifo, lru) splice handles into their own ordering using
// these fields instead of a side map, so that NotifyLock/NotifyUnlock and
// eviction walks are O(1).
type Hook struct {
	Prev, Next *Handle
	Linked     bool
	Hot        bool // lru: detached to the hot set to avoid churn during pin bursts
}

// Handle is the fundamental shared unit of cached memory: a (arena, offset,
// length) descriptor plus a CAS-coordinated refcount/invalidation state
// word. See spec §3/§4.A.
type Handle struct {
	// ArenaIndex identifies the owning arena; -1 for an Unallocated
	// placeholder that has not yet been assigned physical backing.
	ArenaIndex int32
	// Offset is the byte offset of this block within its arena.
	Offset int32
	// Length is the block length in bytes; a power of two once assigned.
	Length int32

	state atomic.Uint64

	// Hook is used exclusively by the active evictpolicy.Policy; the cache
	// core never reads or writes it directly.
	Hook Hook
}

// NewLive returns a Handle bound to physical memory with an initial
// refcount of 1 — the pin the allocator hands to the caller that requested
// the allocation.
func NewLive(arenaIndex, offset, length int32) *Handle {
	h := &Handle{ArenaIndex: arenaIndex, Offset: offset, Length: length}
	h.state.Store(1)
	return h
}

// NewUnallocated returns a placeholder Handle with no physical backing.
// Its identity can be referenced (e.g. appended to an in-progress list)
// before the allocator assigns memory via Bind.
func NewUnallocated() *Handle {
	h := &Handle{ArenaIndex: -1}
	return h
}

// IsUnallocated reports whether physical memory has been assigned yet.
func (h *Handle) IsUnallocated() bool {
	return h.ArenaIndex < 0
}

// Bind assigns physical backing to a previously Unallocated handle and sets
// its initial refcount to 1, completing the Unallocated -> Live transition.
func (h *Handle) Bind(arenaIndex, offset, length int32) {
	h.ArenaIndex = arenaIndex
	h.Offset = offset
	h.Length = length
	h.state.Store(1)
}

// IncRef attempts to pin the handle for a new consumer. It fails with
// errInvalidated if the handle has already been evicted; a concurrent
// Invalidate racing a successful IncRef always loses, per spec invariant
// (i) refcount > 0 => not invalidated.
func (h *Handle) IncRef() error {
	for {
		old := h.state.Load()
		if old&invalidatedBit != 0 {
			return errInvalidated
		}
		next := (old &^ refMask) | ((old&refMask + 1) & refMask)
		if h.state.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Release drops a pin. It returns the refcount after the decrement; callers
// that observe 0 should notify the active policy via NotifyUnlock so the
// handle becomes eligible for eviction again.
func (h *Handle) Release() int32 {
	for {
		old := h.state.Load()
		rc := old & refMask
		if rc == 0 {
			// Defensive: a correct caller never double-releases, but we
			// must not wrap around.
			return 0
		}
		next := (old &^ refMask) | (rc - 1)
		if h.state.CompareAndSwap(old, next) {
			return int32(rc - 1)
		}
	}
}

// RefCount returns the current refcount.
func (h *Handle) RefCount() int32 {
	return int32(h.state.Load() & refMask)
}

// Invalidate attempts the one-way Live(rc=0) -> Invalidated transition used
// by the eviction policy. It fails (returns false) if the handle is
// currently pinned or already invalidated — the walk in EvictSomeBlocks
// treats a false return as "skip, try the next candidate."
func (h *Handle) Invalidate() bool {
	for {
		old := h.state.Load()
		if old&invalidatedBit != 0 {
			return false
		}
		if old&refMask != 0 {
			return false
		}
		next := old | invalidatedBit
		if h.state.CompareAndSwap(old, next) {
			return true
		}
	}
}

// IsInvalidated reports whether the handle has been evicted.
func (h *Handle) IsInvalidated() bool {
	return h.state.Load()&invalidatedBit != 0
}

// MarkCached sets the "present in the cached-range index" flag. It is
// idempotent and does not interact with the refcount/invalidation CAS loop
// beyond being stored in the same word for layout compactness.
func (h *Handle) MarkCached() {
	for {
		old := h.state.Load()
		if old&cachedBit != 0 {
			return
		}
		if h.state.CompareAndSwap(old, old|cachedBit) {
			return
		}
	}
}

// IsCached reports whether the handle is currently registered in a
// cached-range index.
func (h *Handle) IsCached() bool {
	return h.state.Load()&cachedBit != 0
}
