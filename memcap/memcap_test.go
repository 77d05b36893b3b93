package memcap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeEvictor simulates the real eviction coordinator: reclaiming a byte
// means invalidating a cached buffer and handing its bytes back to the
// Manager's budget via Release, so it holds a reference to the Manager it
// backs.
type fakeEvictor struct {
	m    *Manager
	free int64
}

func (f *fakeEvictor) EvictAtLeast(n int64) int64 {
	evicted := n
	if evicted > f.free {
		evicted = f.free
	}
	f.free -= evicted
	f.m.Release(evicted)
	return evicted
}

func TestManager_ReserveImmediateSuccess(t *testing.T) {
	ev := &fakeEvictor{}
	m := New(100, ev)
	ev.m = m
	require.NoError(t, m.Reserve(context.Background(), 100, false))
	require.EqualValues(t, 100, m.Allocated())
}

func TestManager_ReserveFailsFastWithoutWait(t *testing.T) {
	ev := &fakeEvictor{free: 0}
	m := New(100, ev)
	ev.m = m
	require.NoError(t, m.Reserve(context.Background(), 100, false))
	err := m.Reserve(context.Background(), 1, false)
	require.ErrorIs(t, err, ErrOutOfCapacity)
}

func TestManager_ReserveEvictsToSucceed(t *testing.T) {
	ev := &fakeEvictor{}
	m := New(100, ev)
	ev.m = m
	require.NoError(t, m.Reserve(context.Background(), 100, false))

	ev.free = 40 // simulate memory becoming evictable
	require.NoError(t, m.Reserve(context.Background(), 30, true))
	require.EqualValues(t, 100-30+30, m.Allocated())
}

// TestManager_S5_EvictionUnderPin models spec §8 S5: capacity for one
// buffer, the only candidate pinned, so eviction yields nothing and the
// reservation fails; once released, retrying succeeds.
func TestManager_S5_EvictionUnderPin(t *testing.T) {
	ev := &fakeEvictor{free: 0}
	m := New(10, ev)
	ev.m = m
	require.NoError(t, m.Reserve(context.Background(), 10, false))

	err := m.Reserve(context.Background(), 10, false)
	require.ErrorIs(t, err, ErrOutOfCapacity)

	m.Release(10)
	ev.free = 0
	require.NoError(t, m.Reserve(context.Background(), 10, false))
}

func TestManager_Release(t *testing.T) {
	ev := &fakeEvictor{}
	m := New(100, ev)
	ev.m = m
	require.NoError(t, m.Reserve(context.Background(), 50, false))
	m.Release(50)
	require.EqualValues(t, 0, m.Allocated())
}
