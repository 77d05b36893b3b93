package evictpolicy

import "github.com/stripecache/stripecache/buffer"

// LRU is a doubly-linked list with move-to-tail on every NotifyUnlock;
// eviction walks from the head (least recently used). On NotifyLock the
// handle is detached into a "hot set" (simply: unlinked, Hook.Hot=true)
// so repeated pins within a burst don't pay for repeated list churn; it is
// re-linked at the tail on the matching NotifyUnlock. See spec §4.D.
type LRU struct {
	list intrusiveList
}

// NewLRU returns an empty LRU policy.
func NewLRU() *LRU { return &LRU{} }

func (p *LRU) Cache(h *buffer.Handle) {
	p.list.mu.Lock()
	defer p.list.mu.Unlock()
	p.list.pushTail(h)
}

func (p *LRU) NotifyLock(h *buffer.Handle) {
	p.list.mu.Lock()
	defer p.list.mu.Unlock()
	if h.Hook.Linked {
		p.list.remove(h)
		h.Hook.Hot = true
	}
}

func (p *LRU) NotifyUnlock(h *buffer.Handle) {
	p.list.mu.Lock()
	defer p.list.mu.Unlock()
	if h.Hook.Hot {
		h.Hook.Hot = false
	}
	if !h.Hook.Linked {
		p.list.pushTail(h)
		return
	}
	// Already linked (e.g. Cache() just inserted it, or it was never
	// detached): move to tail to mark it most-recently-used.
	p.list.remove(h)
	p.list.pushTail(h)
}

// EvictSomeBlocks walks from the head (least recently used) forward,
// skipping any handle whose refcount is currently non-zero. Handles parked
// in the hot set (currently pinned) are not in the list at all and are
// naturally never visited. Victims are invalidated and unlinked while
// list.mu is held, but listener.NotifyEvicted is called only after the
// lock is released: NotifyEvicted runs back into the cache/rangeindex/
// allocator locks, and calling it under list.mu would invert the lock
// order against PutFileData/GetFileData, which take their file-index lock
// first and the policy lock second.
func (p *LRU) EvictSomeBlocks(target int64, listener Listener) int64 {
	var victims []*buffer.Handle
	var evicted int64

	p.list.mu.Lock()
	cur := p.list.head
	for cur != nil && evicted < target {
		next := cur.Hook.Next
		if cur.Invalidate() {
			evicted += int64(cur.Length)
			p.list.remove(cur)
			victims = append(victims, cur)
		}
		cur = next
	}
	p.list.mu.Unlock()

	for _, h := range victims {
		listener.NotifyEvicted(h)
	}
	return evicted
}
