package malloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, size int) *Allocator {
	t.Helper()
	a, err := Init(size)
	require.NoError(t, err)
	return a
}

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"plenty_big", 1 << 20, nil},
		{"exact_power_of_two", 1024 - HeaderSize, nil},
		{"rounds_up", 1000, nil},
		{"tiny", 1, nil}, // rounds up to MinBlockSize
		{"zero", 0, ErrArenaTooSmall},
		{"negative", -5, ErrArenaTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Init(tt.size)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, a)
			assert.GreaterOrEqual(t, a.Stats().ArenaSize, MinBlockSize)
		})
	}
}

func TestInitTooLarge(t *testing.T) {
	_, err := Init(1 << 60)
	assert.ErrorIs(t, err, ErrArenaTooLarge)
}

func TestAllocFree(t *testing.T) {
	a := newTestAllocator(t, 512*1024)

	b1 := a.Alloc(1024)
	require.NotNil(t, b1)
	assert.Equal(t, 1024, len(b1))
	assert.Equal(t, nextPow2(1024+HeaderSize)-HeaderSize, cap(b1))

	for i := range b1 {
		b1[i] = byte(i)
	}

	b2 := a.Alloc(8192)
	require.NotNil(t, b2)
	assert.False(t, overlap(b1, b2))

	a.Free(b1)
	b3 := a.Alloc(512)
	require.NotNil(t, b3)

	a.Free(b2)
	a.Free(b3)
}

func TestAllocSizes(t *testing.T) {
	a := newTestAllocator(t, 1024*1024)

	sizes := []int{1, 7, 8, 100, 1024, 4096, 8192, 16384, 32768}
	var blocks [][]byte
	for _, sz := range sizes {
		b := a.Alloc(sz)
		require.NotNil(t, b, "size=%d", sz)
		assert.Equal(t, sz, len(b), "size=%d", sz)
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		a.Free(b)
	}
}

func TestAllocZeroOrNegative(t *testing.T) {
	a := newTestAllocator(t, 64*1024)
	assert.Nil(t, a.Alloc(0))
	assert.Nil(t, a.Alloc(-1))
}

func TestAllocTooLarge(t *testing.T) {
	a := newTestAllocator(t, 64*1024)
	assert.Nil(t, a.Alloc(1<<20))
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(t, 512*1024-HeaderSize)

	var blocks [][]byte
	for {
		b := a.Alloc(8192 - HeaderSize)
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	assert.Equal(t, 64, len(blocks))
	assert.Nil(t, a.Alloc(1))

	for _, b := range blocks {
		a.Free(b)
	}
	large := a.Alloc(512*1024 - HeaderSize)
	require.NotNil(t, large)
}

func TestCoalescingRestoresWholeArena(t *testing.T) {
	a := newTestAllocator(t, 64*1024-HeaderSize)

	b1 := a.Alloc(8192)
	b2 := a.Alloc(8192)
	b3 := a.Alloc(8192)
	b4 := a.Alloc(8192)
	require.NotNil(t, b1)
	require.NotNil(t, b2)
	require.NotNil(t, b3)
	require.NotNil(t, b4)

	a.Free(b2)
	a.Free(b1) // siblings free, should coalesce up

	large := a.Alloc(16384)
	require.NotNil(t, large)
	assert.Equal(t, 16384, len(large))

	a.Free(b3)
	a.Free(b4)
	a.Free(large)

	whole := a.Alloc(64*1024 - HeaderSize)
	require.NotNil(t, whole, "arena should have fully coalesced back to one free block")
}

func TestRepeatAllocationIsDeterministic(t *testing.T) {
	a1 := newTestAllocator(t, 1<<20)
	a2 := newTestAllocator(t, 1<<20)

	offsetOf := func(a *Allocator, b []byte) int {
		return int(uintptr(dataPointer(b)) - uintptr(a.arenaStart))
	}

	var blocks1, blocks2 [][]byte
	for i := 0; i < 20; i++ {
		b1 := a1.Alloc(1000)
		b2 := a2.Alloc(1000)
		require.NotNil(t, b1)
		require.NotNil(t, b2)
		assert.Equal(t, offsetOf(a1, b1), offsetOf(a2, b2))
		blocks1 = append(blocks1, b1)
		blocks2 = append(blocks2, b2)
	}
	for i := range blocks1 {
		a1.Free(blocks1[i])
		a2.Free(blocks2[i])
	}

	// Freeing in the same order and re-allocating should reproduce the same
	// offsets again.
	for i := 0; i < 20; i++ {
		b1 := a1.Alloc(1000)
		b2 := a2.Alloc(1000)
		assert.Equal(t, offsetOf(a1, b1), offsetOf(a2, b2))
	}
}

func TestMinimumBlock(t *testing.T) {
	a := newTestAllocator(t, 4096-HeaderSize)

	b := a.Alloc(1)
	require.NotNil(t, b)
	assert.Equal(t, 1, len(b))
	assert.Equal(t, MinBlockSize-HeaderSize, cap(b))
	a.Free(b)
}

func TestMultiLevelBuddyMerge(t *testing.T) {
	a := newTestAllocator(t, 1<<20-HeaderSize)

	sizes := []int{16384, 16384, 16384, 16384, 16384, 16384, 16384, 16384}
	var blocks [][]byte
	for _, sz := range sizes {
		b := a.Alloc(sz)
		require.NotNil(t, b)
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		a.Free(b)
	}

	whole := a.Alloc(1<<20 - HeaderSize)
	require.NotNil(t, whole, "eight buddies freed in sequence should fully merge back to the root block")
}

func TestFreeInvalid(t *testing.T) {
	a := newTestAllocator(t, 512*1024-HeaderSize)

	assert.NotPanics(t, func() { a.Free(nil) })
	assert.NotPanics(t, func() { a.Free([]byte{}) })

	foreign := make([]byte, 8192)
	assert.Panics(t, func() { a.Free(foreign) })

	b := a.Alloc(8192)
	require.NotNil(t, b)
	assert.NotPanics(t, func() { a.Free(b) })
	assert.Panics(t, func() { a.Free(b) }, "double free must panic")
}

func TestFreeAfterClose(t *testing.T) {
	a := newTestAllocator(t, 64*1024)
	b := a.Alloc(1024)
	require.NotNil(t, b)
	a.Close()
	assert.Panics(t, func() { a.Alloc(1) })
	assert.Panics(t, func() { a.Free(b) })
	assert.NotPanics(t, func() { a.Close() }, "Close must be idempotent")
}

func TestStats(t *testing.T) {
	a := newTestAllocator(t, 64*1024-HeaderSize)
	st := a.Stats()
	assert.Equal(t, 64*1024, st.ArenaSize)
	assert.Equal(t, 64*1024, st.FreeBytes)
	assert.Equal(t, 0, st.UsedBytes)

	b := a.Alloc(8192 - HeaderSize)
	require.NotNil(t, b)
	st = a.Stats()
	assert.Equal(t, 8192, st.UsedBytes)
	assert.Equal(t, 64*1024-8192, st.FreeBytes)

	a.Free(b)
	st = a.Stats()
	assert.Equal(t, 0, st.UsedBytes)
}

func TestRandomizedAllocFreeInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := newTestAllocator(t, 1<<20-HeaderSize)
	initial := a.Stats().FreeBytes

	sizes := []int{8, 100, 512, 1024, 4096, 8192, 16384}
	var blocks [][]byte

	for i := 0; i < 20000; i++ {
		if len(blocks) == 0 || rng.Intn(3) != 0 {
			sz := sizes[rng.Intn(len(sizes))]
			b := a.Alloc(sz)
			if b != nil {
				blocks = append(blocks, b)
			}
		} else {
			idx := rng.Intn(len(blocks))
			a.Free(blocks[idx])
			blocks[idx] = blocks[len(blocks)-1]
			blocks = blocks[:len(blocks)-1]
		}
		checkFreeListInvariants(t, a)
	}

	for _, b := range blocks {
		a.Free(b)
	}
	assert.Equal(t, initial, a.Stats().FreeBytes)
}

// checkFreeListInvariants walks every free list and confirms no two buddies
// at the same order are both free, and that the side table agrees with
// every free block's order.
func checkFreeListInvariants(t *testing.T, a *Allocator) {
	t.Helper()
	for order, head := range a.blocks {
		seen := map[int]bool{}
		for off := head; off != emptyLink; off = a.nextAt(off) {
			require.Falsef(t, seen[off], "order %d: cycle or duplicate at offset %d", order, off)
			seen[off] = true

			buddy := off ^ (1 << uint(order))
			require.Falsef(t, seen[buddy] && order < a.maxOrder,
				"order %d: buddies %d and %d both free simultaneously", order, off, buddy)

			ord, inUse, ok := a.side.at(off)
			require.True(t, ok)
			require.False(t, inUse)
			require.Equal(t, order, ord)
		}
	}
}

func overlap(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	aStart := uintptr(dataPointer(a))
	aEnd := aStart + uintptr(cap(a))
	bStart := uintptr(dataPointer(b))
	bEnd := bStart + uintptr(cap(b))
	return aStart < bEnd && bStart < aEnd
}
