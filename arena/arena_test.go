package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArena_New_ValidatesConfig(t *testing.T) {
	_, err := New(0, 256, 8, 256)
	require.NoError(t, err)

	_, err = New(0, 100, 8, 256)
	require.Error(t, err, "size not a multiple of maxAlloc")

	_, err = New(0, 256, 3, 256)
	require.Error(t, err, "minAlloc not a power of two")

	_, err = New(0, 256, 256, 8)
	require.Error(t, err, "minAlloc > maxAlloc")
}

func TestArena_AllocAtMinAndMax(t *testing.T) {
	a, err := New(0, 256, 8, 256)
	require.NoError(t, err)

	off, ok := a.TryAlloc(a.OrderForSize(8))
	require.True(t, ok)
	require.EqualValues(t, 0, off)

	a2, err := New(1, 256, 8, 256)
	require.NoError(t, err)
	off2, ok2 := a2.TryAlloc(a2.OrderForSize(256))
	require.True(t, ok2)
	require.EqualValues(t, 0, off2)
}

// TestArena_S1_Coalescing reproduces spec §8 scenario S1: allocate 32
// blocks of 8 bytes from a 256-byte arena (min=8 max=256), free them in
// reverse order, then confirm a single 256-byte allocation succeeds.
func TestArena_S1_Coalescing(t *testing.T) {
	a, err := New(0, 256, 8, 256)
	require.NoError(t, err)

	order0 := a.OrderForSize(8)
	offsets := make([]int32, 0, 32)
	for i := 0; i < 32; i++ {
		off, ok := a.TryAlloc(order0)
		require.True(t, ok, "alloc %d should succeed", i)
		offsets = append(offsets, off)
	}

	// Arena exhausted at order 0.
	_, ok := a.TryAlloc(order0)
	require.False(t, ok)

	for i := len(offsets) - 1; i >= 0; i-- {
		a.Free(offsets[i], order0)
	}

	require.True(t, a.FullyCoalesced())

	orderMax := a.OrderForSize(256)
	_, ok = a.TryAlloc(orderMax)
	require.True(t, ok, "full 256-byte allocation must succeed after complete coalescing")
}

func TestArena_OverMaxAllocFails(t *testing.T) {
	a, err := New(0, 256, 8, 256)
	require.NoError(t, err)
	require.Equal(t, -1, a.OrderForSize(257))
}

func TestArena_DoubleFreePanics(t *testing.T) {
	a, err := New(0, 256, 8, 256)
	require.NoError(t, err)
	order0 := a.OrderForSize(8)
	off, ok := a.TryAlloc(order0)
	require.True(t, ok)

	a.Free(off, order0)
	require.Panics(t, func() { a.Free(off, order0) })
}

func TestArena_SplitThenCoalesceArbitraryInterleaving(t *testing.T) {
	a, err := New(0, 256, 8, 256)
	require.NoError(t, err)
	order0 := a.OrderForSize(8)

	var offs []int32
	for i := 0; i < 16; i++ {
		off, ok := a.TryAlloc(order0)
		require.True(t, ok)
		offs = append(offs, off)
	}
	// free every other block, then the rest, exercising partial coalesce.
	for i := 0; i < len(offs); i += 2 {
		a.Free(offs[i], order0)
	}
	for i := 1; i < len(offs); i += 2 {
		a.Free(offs[i], order0)
	}
	require.EqualValues(t, 256, a.AvailableBytes())
}
