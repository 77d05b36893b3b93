// Package allocator implements the multi-arena façade over package arena:
// spec §4.B's AllocateMultiple/Deallocate, wiring per-arena buddy allocation
// to package memcap for eviction-and-retry when every arena is full.
package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripecache/stripecache/arena"
	"github.com/stripecache/stripecache/buffer"
	"github.com/stripecache/stripecache/hash/xfnv"
	"github.com/stripecache/stripecache/memcap"
)

// ErrOutOfCapacity is returned when no arena can satisfy a request even
// after the bounded evict-and-retry loop, matching memcap.ErrOutOfCapacity
// at this layer's boundary.
var ErrOutOfCapacity = memcap.ErrOutOfCapacity

// ErrRequestTooLarge is returned when size exceeds every arena's maxAlloc.
var ErrRequestTooLarge = errors.New("allocator: request exceeds max block size")

// Allocator owns a fixed set of arenas of identical geometry and the
// memcap.Manager arbitrating their shared capacity budget. See spec §3
// "Arena" and §4.B.
type Allocator struct {
	arenas []*arena.Arena
	cap    *memcap.Manager

	// RetryRounds bounds how many times AllocateMultiple will ask the
	// memcap.Manager to evict and retry before giving up, per destination
	// slot. Mirrors the teacher's bounded-retry convention used
	// throughout the manager.
	RetryRounds int
}

// Config describes the arena geometry shared by every arena in the pool.
type Config struct {
	NumArenas int
	ArenaSize int
	MinAlloc  int
	MaxAlloc  int
}

// New creates NumArenas identical arenas and a memcap.Manager sized to their
// combined capacity, driven by evictor for reclaim-on-exhaustion.
func New(cfg Config, evictor memcap.Evictor) (*Allocator, error) {
	if cfg.NumArenas <= 0 {
		return nil, fmt.Errorf("allocator: NumArenas must be positive, got %d", cfg.NumArenas)
	}
	arenas := make([]*arena.Arena, cfg.NumArenas)
	for i := range arenas {
		a, err := arena.New(int32(i), cfg.ArenaSize, cfg.MinAlloc, cfg.MaxAlloc)
		if err != nil {
			return nil, err
		}
		arenas[i] = a
	}
	total := int64(cfg.ArenaSize) * int64(cfg.NumArenas)
	return &Allocator{
		arenas:      arenas,
		cap:         memcap.New(total, evictor),
		RetryRounds: 4,
	}, nil
}

// NumArenas returns the number of arenas in the pool.
func (a *Allocator) NumArenas() int { return len(a.arenas) }

// CreateUnallocated returns a placeholder handle with no physical backing,
// per spec §4.B — used by callers (e.g. package stream) that need a stable
// identity for a future block before its bytes exist yet.
func (a *Allocator) CreateUnallocated() *buffer.Handle {
	return buffer.NewUnallocated()
}

// AllocateMultiple fills dest[i] for every i with a freshly allocated Handle
// of the requested size, per spec §4.B's per-slot algorithm: a hash-derived
// starting arena (so repeated calls for the same key spread load but stay
// sticky), round-robin probing of the remaining arenas on a miss, and
// eviction-and-retry via the memcap.Manager once every arena has been tried.
// dest entries may be pre-existing Unallocated handles (bound in place via
// Bind) or nil (replaced with a freshly Live one).
//
// key is any caller-chosen string used only to pick the starting arena
// (e.g. the file path); it has no effect on correctness, only locality.
func (a *Allocator) AllocateMultiple(ctx context.Context, dest []*buffer.Handle, key string, size int) (bool, error) {
	if len(a.arenas) == 0 {
		return false, ErrOutOfCapacity
	}
	order := a.arenas[0].OrderForSize(size)
	if order < 0 {
		return false, ErrRequestTooLarge
	}
	blockSize := a.arenas[0].BlockSize(order)
	hint := int(xfnv.HashStr(key) % uint64(len(a.arenas)))

	for i := range dest {
		offset, arenaIdx, err := a.allocOne(ctx, order, blockSize, hint+i)
		if err != nil {
			// Roll back everything allocated so far in this batch.
			for j := 0; j < i; j++ {
				a.Deallocate(dest[j])
			}
			return false, err
		}
		if dest[i] == nil {
			dest[i] = buffer.NewLive(arenaIdx, offset, int32(blockSize))
		} else {
			dest[i].Bind(arenaIdx, offset, int32(blockSize))
		}
	}
	return true, nil
}

func (a *Allocator) allocOne(ctx context.Context, order, blockSize, hint int) (offset int32, arenaIdx int32, err error) {
	n := len(a.arenas)
	try := func() (int32, int32, bool) {
		for i := 0; i < n; i++ {
			idx := (hint + i) % n
			if off, ok := a.arenas[idx].TryAlloc(order); ok {
				return off, int32(idx), true
			}
		}
		return 0, 0, false
	}

	if off, idx, ok := try(); ok {
		if rerr := a.cap.Reserve(ctx, int64(blockSize), false); rerr != nil {
			a.arenas[idx].Free(off, order)
			return 0, 0, rerr
		}
		return off, idx, nil
	}

	for round := 0; round < a.RetryRounds; round++ {
		if rerr := a.cap.Reserve(ctx, int64(blockSize), true); rerr != nil {
			return 0, 0, rerr
		}
		a.cap.Release(int64(blockSize)) // the reservation only proves capacity exists; undo and retry the real alloc+reserve below
		if off, idx, ok := try(); ok {
			if rerr := a.cap.Reserve(ctx, int64(blockSize), false); rerr != nil {
				a.arenas[idx].Free(off, order)
				return 0, 0, rerr
			}
			return off, idx, nil
		}
	}
	return 0, 0, ErrOutOfCapacity
}

// Deallocate returns h's physical backing to its owning arena and its bytes
// to the memcap.Manager's budget. h must not be Unallocated and must have
// refcount 0 (the caller — the eviction coordinator or a released producer —
// is responsible for having already dropped every pin).
func (a *Allocator) Deallocate(h *buffer.Handle) {
	if h == nil || h.IsUnallocated() {
		return
	}
	order := a.arenas[h.ArenaIndex].OrderForSize(int(h.Length))
	a.arenas[h.ArenaIndex].Free(h.Offset, order)
	a.cap.Release(int64(h.Length))
}

// Bytes returns the backing slice for a live handle. Callers must not retain
// it past the handle's eventual Deallocate.
func (a *Allocator) Bytes(h *buffer.Handle) []byte {
	order := a.arenas[h.ArenaIndex].OrderForSize(int(h.Length))
	return a.arenas[h.ArenaIndex].Bytes(h.Offset, order)
}

// CapManager exposes the underlying memcap.Manager, e.g. for Stats snapshots.
func (a *Allocator) CapManager() *memcap.Manager { return a.cap }
