package evictpolicy

import "github.com/stripecache/stripecache/buffer"

// FIFO is an intrusive list ordered by insertion; eviction walks from the
// oldest entry. It ignores NotifyLock/NotifyUnlock entirely, per spec §4.D.
type FIFO struct {
	list intrusiveList
}

// NewFIFO returns an empty FIFO policy.
func NewFIFO() *FIFO { return &FIFO{} }

func (p *FIFO) Cache(h *buffer.Handle) {
	p.list.mu.Lock()
	defer p.list.mu.Unlock()
	p.list.pushTail(h)
}

func (p *FIFO) NotifyLock(h *buffer.Handle)   {}
func (p *FIFO) NotifyUnlock(h *buffer.Handle) {}

// EvictSomeBlocks walks from the head (oldest insertion) forward, skipping
// any handle whose refcount is currently non-zero. Victims are invalidated
// and unlinked while list.mu is held, but listener.NotifyEvicted is called
// only after the lock is released: NotifyEvicted runs back into the
// cache/rangeindex/allocator locks, and calling it under list.mu would
// invert the lock order against PutFileData/GetFileData, which take their
// file-index lock first and the policy lock second.
func (p *FIFO) EvictSomeBlocks(target int64, listener Listener) int64 {
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
