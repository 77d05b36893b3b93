package evictpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stripecache/stripecache/buffer"
)

type recordingListener struct {
	evicted []*buffer.Handle
}

func (l *recordingListener) NotifyEvicted(h *buffer.Handle) {
	l.evicted = append(l.evicted, h)
}

func unpinned(length int32) *buffer.Handle {
	h := buffer.NewLive(0, 0, length)
	h.Release() // rc -> 0, evictable
	return h
}

func TestFIFO_EvictsOldestFirst(t *testing.T) {
	p := NewFIFO()
	a, b, c := unpinned(8), unpinned(8), unpinned(8)
	p.Cache(a)
	p.Cache(b)
	p.Cache(c)

	l := &recordingListener{}
	evicted := p.EvictSomeBlocks(16, l)
	require.EqualValues(t, 16, evicted)
	require.Equal(t, []*buffer.Handle{a, b}, l.evicted)
}

func TestFIFO_SkipsPinnedCandidates(t *testing.T) {
	p := NewFIFO()
	a, b := unpinned(8), unpinned(8)
	require.NoError(t, a.IncRef()) // a is pinned, rc=1
	p.Cache(a)
	p.Cache(b)

	l := &recordingListener{}
	evicted := p.EvictSomeBlocks(16, l)
	require.EqualValues(t, 8, evicted)
	require.Equal(t, []*buffer.Handle{b}, l.evicted)
}

func TestFIFO_IgnoresLockNotifications(t *testing.T) {
	p := NewFIFO()
	a, b := unpinned(8), unpinned(8)
	p.Cache(a)
	p.Cache(b)
	p.NotifyLock(a)
	p.NotifyUnlock(a) // must not reorder for FIFO

	l := &recordingListener{}
	p.EvictSomeBlocks(16, l)
	require.Equal(t, []*buffer.Handle{a, b}, l.evicted)
}

func TestLRU_EvictsLeastRecentlyUsedFirst(t *testing.T) {
	p := NewLRU()
	a, b, c := unpinned(8), unpinned(8), unpinned(8)
	p.Cache(a)
	p.Cache(b)
	p.Cache(c)

	// touch a: pin/unpin should move it to the tail (most recently used).
	require.NoError(t, a.IncRef())
	p.NotifyLock(a)
	a.Release()
	p.NotifyUnlock(a)

	l := &recordingListener{}
	evicted := p.EvictSomeBlocks(16, l)
	require.EqualValues(t, 16, evicted)
	require.Equal(t, []*buffer.Handle{b, c}, l.evicted)
}

func TestLRU_HotSetPreventsEvictionWhilePinned(t *testing.T) {
	p := NewLRU()
	a, b := unpinned(8), unpinned(8)
	p.Cache(a)
	p.Cache(b)

	require.NoError(t, a.IncRef())
	p.NotifyLock(a) // a detaches into the hot set while pinned

	l := &recordingListener{}
	evicted := p.EvictSomeBlocks(16, l)
	require.EqualValues(t, 8, evicted)
	require.Equal(t, []*buffer.Handle{b}, l.evicted)

	a.Release()
	p.NotifyUnlock(a) // re-links at tail

	l2 := &recordingListener{}
	evicted2 := p.EvictSomeBlocks(16, l2)
	require.EqualValues(t, 8, evicted2)
	require.Equal(t, []*buffer.Handle{a}, l2.evicted)
}

// TestLRU_S5_AllPinnedReturnsShortOfTarget models spec §8 S5's policy half:
// when every candidate is pinned, EvictSomeBlocks returns less than target.
func TestLRU_S5_AllPinnedReturnsShortOfTarget(t *testing.T) {
	p := NewLRU()
	a := unpinned(8)
	require.NoError(t, a.IncRef())
	p.Cache(a) // a.Cache happens while still pinned: still walked (not detached via NotifyLock)

	l := &recordingListener{}
	evicted := p.EvictSomeBlocks(8, l)
	require.EqualValues(t, 0, evicted)
	require.Empty(t, l.evicted)
}
