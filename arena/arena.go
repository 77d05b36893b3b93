// Package arena implements the per-arena buddy allocator: a single
// contiguous, pre-reserved byte region carved into power-of-two blocks via
// per-order free lists. It is adapted from the teacher's
// unsafex/malloc.BuddyAllocator split/coalesce algorithm; unlike that
// allocator it never embeds a magic/size header inside the returned bytes,
// since callers always address a block through a buffer.Handle (which
// already carries ArenaIndex/Offset/Length) rather than a raw []byte that
// must self-describe its own extent on Free.
package arena

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// Arena is one contiguous region managed by one instance of the buddy
// allocator. See spec §3 "Arena".
type Arena struct {
	index int32

	mem []byte

	mu        sync.Mutex
	freeLists [][]int32 // freeLists[order] holds free block offsets of that order
	// used marks, per minimum-sized unit, whether it is the head of a
	// currently allocated block. Only the head unit of a block is ever set;
	// it exists purely to turn a double-Free into a clear panic instead of
	// silent free-list corruption, the role spec §3 assigns to "headers...
	// recording order and free/used".
	used []bool

	minAlloc      int
	minAllocShift int
	maxAlloc      int
	maxOrder      int
}

// New creates one Arena of the given size, carved into blocks between
// minAlloc and maxAlloc (both powers of two, minAlloc <= maxAlloc <= size).
// size must be a multiple of maxAlloc.
func New(index int32, size, minAlloc, maxAlloc int) (*Arena, error) {
	if minAlloc <= 0 || minAlloc&(minAlloc-1) != 0 {
		return nil, fmt.Errorf("arena: minAlloc must be a power of two, got %d", minAlloc)
	}
	if maxAlloc <= 0 || maxAlloc&(maxAlloc-1) != 0 {
		return nil, fmt.Errorf("arena: maxAlloc must be a power of two, got %d", maxAlloc)
	}
	if minAlloc > maxAlloc {
		return nil, fmt.Errorf("arena: minAlloc (%d) must be <= maxAlloc (%d)", minAlloc, maxAlloc)
	}
	if size <= 0 || size%maxAlloc != 0 {
		return nil, fmt.Errorf("arena: size (%d) must be a positive multiple of maxAlloc (%d)", size, maxAlloc)
	}

	minShift := bits.TrailingZeros(uint(minAlloc))
	maxShift := bits.TrailingZeros(uint(maxAlloc))
	maxOrder := maxShift - minShift
	numRoots := size / maxAlloc
	numUnits := size / minAlloc

	a := &Arena{
		index:         index,
		mem:           dirtmake.Bytes(size, size),
		freeLists:     make([][]int32, maxOrder+1),
		used:          make([]bool, numUnits),
		minAlloc:      minAlloc,
		minAllocShift: minShift,
		maxAlloc:      maxAlloc,
		maxOrder:      maxOrder,
	}
	for o := 0; o < maxOrder; o++ {
		cap := 1 << (maxOrder - o)
		if cap > 64 {
			cap = 64
		}
		a.freeLists[o] = make([]int32, 0, cap)
	}
	a.freeLists[maxOrder] = make([]int32, 0, numRoots)
	for i := 0; i < numRoots; i++ {
		a.freeLists[maxOrder] = append(a.freeLists[maxOrder], int32(i*maxAlloc))
	}
	return a, nil
}

// Index returns this arena's identity, stored on every Handle it hands out
// so Deallocate can locate it again.
func (a *Arena) Index() int32 { return a.index }

// Size returns the arena's total byte capacity.
func (a *Arena) Size() int { return len(a.mem) }

// MaxOrder returns the largest allocatable order (log2(maxAlloc/minAlloc)).
func (a *Arena) MaxOrder() int { return a.maxOrder }

// OrderForSize returns the smallest order whose block size is >= size, or
// -1 if size exceeds this arena's maxAlloc.
func (a *Arena) OrderForSize(size int) int {
	if size <= 0 {
		return 0
	}
	if size > a.maxAlloc {
		return -1
	}
	if size <= a.minAlloc {
		return 0
	}
	return bits.Len(uint(size-1)) - a.minAllocShift
}

// BlockSize returns the block size in bytes for a given order.
func (a *Arena) BlockSize(order int) int { return a.minAlloc << uint(order) }

// Bytes returns the backing slice for a block at offset/order. Callers must
// not retain it past the corresponding Free.
func (a *Arena) Bytes(offset int32, order int) []byte {
	sz := a.BlockSize(order)
	return a.mem[offset : int(offset)+sz]
}

// TryAlloc attempts to satisfy an allocation of the given order from this
// arena alone: first an exact free-list match, then splitting the smallest
// available larger block. It never evicts and never blocks; it returns
// ok=false if this arena currently has nothing large enough.
func (a *Arena) TryAlloc(order int) (offset int32, ok bool) {
	if order < 0 || order > a.maxOrder {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tryAllocLocked(order)
}

func (a *Arena) tryAllocLocked(order int) (int32, bool) {
	if fl := a.freeLists[order]; len(fl) > 0 {
		n := len(fl) - 1
		off := fl[n]
		a.freeLists[order] = fl[:n]
		a.markUsed(off)
		return off, true
	}

	found := -1
	for o := order + 1; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			found = o
			break
		}
	}
	if found == -1 {
		return 0, false
	}

	fl := a.freeLists[found]
	n := len(fl) - 1
	off := fl[n]
	a.freeLists[found] = fl[:n]

	// Split down to the requested order. The left half keeps off; the
	// right half (the buddy) is pushed onto the next lower order's list.
	for found > order {
		found--
		right := off + int32(a.BlockSize(found))
		a.freeLists[found] = append(a.freeLists[found], right)
	}
	a.markUsed(off)
	return off, true
}

// Free returns a block to this arena, coalescing with its buddy while the
// buddy is free and of equal order, up to maxOrder. It panics on double
// free or a misaligned/foreign offset, mirroring the teacher allocator's
// defensive checks.
func (a *Arena) Free(offset int32, order int) {
	if order < 0 || order > a.maxOrder {
		panic("arena: invalid order on free")
	}
	if int(offset) < 0 || int(offset) >= len(a.mem) {
		panic("arena: offset out of range")
	}
	blockSize := a.BlockSize(order)
	if int(offset)%blockSize != 0 {
		panic("arena: misaligned block")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	unit := int(offset) >> uint(a.minAllocShift)
	if !a.used[unit] {
		panic("arena: double free")
	}
	a.used[unit] = false

	for order < a.maxOrder {
		buddy := offset ^ int32(blockSize)
		fl := a.freeLists[order]
		idx := -1
		for i, o := range fl {
			if o == buddy {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		// Remove buddy from its free list and merge upward.
		fl[idx] = fl[len(fl)-1]
		a.freeLists[order] = fl[:len(fl)-1]
		if buddy < offset {
			offset = buddy
		}
		order++
		blockSize = a.BlockSize(order)
	}
	a.freeLists[order] = append(a.freeLists[order], offset)
}

func (a *Arena) markUsed(offset int32) {
	unit := int(offset) >> uint(a.minAllocShift)
	a.used[unit] = true
}

// AvailableBytes returns the sum of all free block sizes currently in this
// arena's free lists.
func (a *Arena) AvailableBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for order, fl := range a.freeLists {
		total += int64(len(fl)) * int64(a.BlockSize(order))
	}
	return total
}

// FullyCoalesced reports whether the arena has returned to its pristine
// state: exactly one free block per maxAlloc-sized root and nothing at any
// lower order. Used by property tests (spec §8 property 5).
func (a *Arena) FullyCoalesced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for o := 0; o < a.maxOrder; o++ {
		if len(a.freeLists[o]) != 0 {
			return false
		}
	}
	return len(a.freeLists[a.maxOrder]) == len(a.mem)/a.maxAlloc
}
