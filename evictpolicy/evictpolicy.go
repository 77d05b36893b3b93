// Package evictpolicy implements the abstract eviction order over cached
// buffers described in spec §4.D: FIFO and locked-LRU, sharing one
// evictor contract.
package evictpolicy

import (
	"sync"

	"github.com/stripecache/stripecache/buffer"
)

// Listener receives each buffer the policy manages to invalidate during an
// eviction walk. It is implemented by the eviction coordinator (cache
// package), which is how spec's design note 9 breaks the cycle between the
// allocator and the policy: EvictSomeBlocks takes a callback instead of the
// policy holding a back-pointer to the index/allocator.
type Listener interface {
	NotifyEvicted(h *buffer.Handle)
}

// Policy is the eviction-order contract implemented by fifo and lru.
type Policy interface {
	// Cache registers a newly-cached handle at the policy's "most recently
	// inserted" position.
	Cache(h *buffer.Handle)
	// NotifyLock is called around every pin.
	NotifyLock(h *buffer.Handle)
	// NotifyUnlock is called around every unpin.
	NotifyUnlock(h *buffer.Handle)
	// EvictSomeBlocks walks candidates in policy order, invalidating each
	// until bytesEvicted >= target or the list is exhausted. A candidate
	// that is currently pinned cannot be invalidated and is skipped.
	EvictSomeBlocks(target int64, listener Listener) int64
}

// intrusiveList is the doubly-linked list shared by fifo and lru, threaded
// through each Handle's embedded Hook (spec design note 9: "the policy
// holds an embedded linked-list node inside each handle rather than a
// separate map").
type intrusiveList struct {
	mu         sync.Mutex
	head, tail *buffer.Handle
}

func (l *intrusiveList) pushTail(h *buffer.Handle) {
	h.Hook.Prev = l.tail
	h.Hook.Next = nil
	if l.tail != nil {
		l.tail.Hook.Next = h
	} else {
		l.head = h
	}
	l.tail = h
	h.Hook.Linked = true
}

// remove detaches h from the list. h must currently be linked.
func (l *intrusiveList) remove(h *buffer.Handle) {
	if h.Hook.Prev != nil {
		h.Hook.Prev.Hook.Next = h.Hook.Next
	} else {
		l.head = h.Hook.Next
	}
	if h.Hook.Next != nil {
		h.Hook.Next.Hook.Prev = h.Hook.Prev
	} else {
		l.tail = h.Hook.Prev
	}
	h.Hook.Prev = nil
	h.Hook.Next = nil
	h.Hook.Linked = false
}
