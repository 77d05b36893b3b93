package allocator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stripecache/stripecache/buffer"
)

type noopEvictor struct{ freed int64 }

func (e *noopEvictor) EvictAtLeast(n int64) int64 { return e.freed }

func TestAllocateMultiple_FillsDestinationAndBinds(t *testing.T) {
	a, err := New(Config{NumArenas: 2, ArenaSize: 64, MinAlloc: 8, MaxAlloc: 64}, &noopEvictor{})
	require.NoError(t, err)

	dest := make([]*buffer.Handle, 4)
	ok, err := a.AllocateMultiple(context.Background(), dest, "file-a", 8)
	require.NoError(t, err)
	require.True(t, ok)
	for _, h := range dest {
		require.False(t, h.IsUnallocated())
		require.EqualValues(t, 8, h.Length)
		require.EqualValues(t, 1, h.RefCount())
	}
}

func TestAllocateMultiple_BindsPreexistingUnallocated(t *testing.T) {
	a, err := New(Config{NumArenas: 1, ArenaSize: 32, MinAlloc: 8, MaxAlloc: 32}, &noopEvictor{})
	require.NoError(t, err)

	h := a.CreateUnallocated()
	dest := []*buffer.Handle{h}
	ok, err := a.AllocateMultiple(context.Background(), dest, "k", 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, h, dest[0])
	require.False(t, h.IsUnallocated())
}

func TestAllocateMultiple_RequestTooLarge(t *testing.T) {
	a, err := New(Config{NumArenas: 1, ArenaSize: 32, MinAlloc: 8, MaxAlloc: 32}, &noopEvictor{})
	require.NoError(t, err)

	dest := make([]*buffer.Handle, 1)
	_, err = a.AllocateMultiple(context.Background(), dest, "k", 64)
	require.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestAllocateMultiple_ExhaustedArenaReturnsOutOfCapacity(t *testing.T) {
	a, err := New(Config{NumArenas: 1, ArenaSize: 16, MinAlloc: 8, MaxAlloc: 16}, &noopEvictor{})
	require.NoError(t, err)
	a.RetryRounds = 1

	dest := make([]*buffer.Handle, 3) // only 2 8-byte blocks fit
	_, err = a.AllocateMultiple(context.Background(), dest, "k", 8)
	require.ErrorIs(t, err, ErrOutOfCapacity)
}

func TestDeallocate_ReturnsBlockForReuse(t *testing.T) {
	a, err := New(Config{NumArenas: 1, ArenaSize: 16, MinAlloc: 8, MaxAlloc: 16}, &noopEvictor{})
	require.NoError(t, err)

	dest := make([]*buffer.Handle, 2)
	_, err = a.AllocateMultiple(context.Background(), dest, "k", 8)
	require.NoError(t, err)

	dest[0].Release()
	a.Deallocate(dest[0])

	dest2 := make([]*buffer.Handle, 1)
	ok, err := a.AllocateMultiple(context.Background(), dest2, "k", 8)
	require.NoError(t, err)
	require.True(t, ok)
}
