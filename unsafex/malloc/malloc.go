// Package malloc implements a binary buddy allocator over a single
// contiguous arena. An arena is acquired once from a pluggable Source,
// split top-down on Alloc, and coalesced bottom-up on Free; no per-block
// metadata lives outside the arena itself except a small side table used
// to make coalescing exact (see sidetable.go).
//
// The allocator is unsynchronized. Callers needing concurrent access should
// wrap an *Allocator in a Safe (see safe.go).
package malloc

import (
	"fmt"
	"math/bits"
	"unsafe"
)

const (
	// HeaderSize is the size, in bytes, of the in-band header written at
	// the start of every allocated block.
	HeaderSize = 8

	// MinOrder is the smallest order the allocator will ever hand out or
	// split down to: blocks smaller than 2^MinOrder bytes can't hold both
	// an 8-byte header and the 16 bytes of free-list prev/next links a
	// block needs while it sits on a free list.
	MinOrder = 4

	// MinBlockSize is 2^MinOrder.
	MinBlockSize = 1 << MinOrder

	// maxSupportedOrder bounds the arena order so the side table's 7-bit
	// order field (see sidetable.go) never overflows; no real arena comes
	// close to 2^56 bytes.
	maxSupportedOrder = 56

	inUseBit  = uint64(1) << 63
	emptyLink = -1
)

// Allocator manages a single power-of-two arena as a binary buddy heap.
// The zero value is not usable; construct one with Init.
type Allocator struct {
	arena      []byte
	arenaStart unsafe.Pointer
	source     Source

	blocks   []int // blocks[k] is the head offset of the free list of order k, or emptyLink
	side     sideTable
	maxOrder int

	closed bool
}

// config holds Init's optional settings, assembled from Option values.
type config struct {
	source Source
}

// Option customizes Init.
type Option func(*config)

// WithSource overrides the backing Source used to acquire and release the
// arena. The default is a heap-backed Source built on dirtmake.
func WithSource(s Source) Option {
	return func(c *config) { c.source = s }
}

// Init constructs an Allocator managing an arena of at least size usable
// bytes (the allocator rounds size+HeaderSize up to the next power of two
// to obtain the actual arena size).
func Init(size int, opts ...Option) (*Allocator, error) {
	cfg := config{source: defaultSource}
	for _, opt := range opts {
		opt(&cfg)
	}

	arenaSize := nextPow2(size + HeaderSize)
	if arenaSize < MinBlockSize {
		return nil, ErrArenaTooSmall
	}
	maxOrder := log2(arenaSize)
	if maxOrder > maxSupportedOrder {
		return nil, ErrArenaTooLarge
	}

	arena, err := cfg.source.Acquire(arenaSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	if len(arena) != arenaSize {
		cfg.source.Release(arena)
		return nil, ErrOutOfMemory
	}

	a := &Allocator{
		arena:    arena,
		source:   cfg.source,
		blocks:   make([]int, maxOrder+1),
		side:     newSideTable(arenaSize >> MinOrder),
		maxOrder: maxOrder,
	}
	a.arenaStart = unsafe.Pointer(&a.arena[0])
	for i := range a.blocks {
		a.blocks[i] = emptyLink
	}
	a.setPrevAt(0, emptyLink)
	a.setNextAt(0, emptyLink)
	a.blocks[maxOrder] = 0
	a.side.stamp(0, maxOrder, false)
	return a, nil
}

// Alloc returns a slice of exactly size writable bytes carved from the
// arena, or nil if no block large enough is currently available.
func (a *Allocator) Alloc(size int) []byte {
	if a.closed {
		panic("malloc: use of closed allocator")
	}
	if size <= 0 {
		return nil
	}

	allocSize := nextPow2(size + HeaderSize)
	if allocSize < MinBlockSize {
		allocSize = MinBlockSize
	}
	allocOrder := log2(allocSize)
	if allocOrder > a.maxOrder {
		return nil
	}

	if a.blocks[allocOrder] == emptyLink {
		j := -1
		for order := allocOrder + 1; order <= a.maxOrder; order++ {
			if a.blocks[order] != emptyLink {
				j = order
				break
			}
		}
		if j < 0 {
			return nil
		}
		a.splitDownTo(j, allocOrder)
	}

	block := a.detachHead(allocOrder)
	payloadOffset := a.markAllocated(block, allocOrder)
	a.side.stamp(block, allocOrder, true)

	blockSize := 1 << uint(allocOrder)
	return a.arena[payloadOffset : payloadOffset+size : block+blockSize]
}

// splitDownTo repeatedly halves the head block of order j until a free
// block of order target exists. The upper half of every split stays on the
// free list one order down; the lower half is split again, except at the
// last step, where both halves end up on the free list of order target.
func (a *Allocator) splitDownTo(j, target int) {
	for order := j; order > target; order-- {
		first := a.detachHead(order)
		second := first ^ (1 << uint(order-1))
		a.setPrevAt(second, emptyLink)
		a.setNextAt(second, emptyLink)
		a.attach(order-1, second)
		a.attach(order-1, first)
		a.side.stamp(first, order-1, false)
		a.side.stamp(second, order-1, false)
	}
}

// Free returns a block previously returned by Alloc on this Allocator back
// to the arena, coalescing it with its buddy as far as possible.
func (a *Allocator) Free(block []byte) {
	if a.closed {
		panic("malloc: use of closed allocator")
	}
	if cap(block) == 0 {
		return
	}

	payloadOffset := int(uintptr(dataPointer(block)) - uintptr(a.arenaStart))
	blockOffset := payloadOffset - HeaderSize
	if blockOffset < 0 || blockOffset >= len(a.arena) {
		panic("malloc: block not in arena")
	}

	// The side table, not the in-band header, is authoritative for whether
	// this block is currently allocated: once a block has been freed and
	// threaded onto a free list, its first 8 bytes are prev/next links, not
	// a header, and a stale link can coincidentally carry bit 63 set.
	order, inUse, ok := a.side.at(blockOffset)
	if !ok || !inUse {
		panic("malloc: double free or invalid block")
	}
	if order < MinOrder || order > a.maxOrder || blockOffset&((1<<uint(order))-1) != 0 {
		panic("malloc: corrupted block header")
	}
	if headerOrder, headerInUse := a.readHeader(blockOffset); !headerInUse || headerOrder != order {
		panic("malloc: corrupted block header")
	}

	a.clearHeader(blockOffset)
	a.attach(order, blockOffset)
	a.side.stamp(blockOffset, order, false)
	a.coalesce(blockOffset, order)
}

// coalesce merges offset (a just-freed block of the given order) with its
// buddy, repeatedly, for as long as the buddy is a whole, same-order free
// block. Recursion in the design note is replaced with a loop bounded by
// maxOrder.
func (a *Allocator) coalesce(offset, order int) {
	for order < a.maxOrder {
		buddy := offset ^ (1 << uint(order))
		if !a.side.isFreeAtOrder(buddy, order) {
			return
		}
		a.spliceAndMaybeUnhead(order, offset)
		a.spliceAndMaybeUnhead(order, buddy)

		merged := offset
		if buddy < merged {
			merged = buddy
		}
		order++
		a.attach(order, merged)
		a.side.stamp(merged, order, false)
		offset = merged
	}
}

// Close releases the arena back to its Source. Slices returned by prior
// Alloc calls must not be used after Close.
func (a *Allocator) Close() {
	if a.closed {
		return
	}
	a.source.Release(a.arena)
	a.arena = nil
	a.arenaStart = nil
	a.blocks = nil
	a.side = nil
	a.closed = true
}

// Stats reports free and used byte counts for the whole arena. FreeByOrder
// maps each order to the number of free blocks of that order.
type Stats struct {
	ArenaSize   int
	FreeBytes   int
	UsedBytes   int
	FreeByOrder map[int]int
}

// Stats returns a snapshot of the allocator's current free/used state.
func (a *Allocator) Stats() Stats {
	if a.closed {
		panic("malloc: use of closed allocator")
	}
	st := Stats{ArenaSize: len(a.arena), FreeByOrder: make(map[int]int)}
	for order, head := range a.blocks {
		n := 0
		for off := head; off != emptyLink; off = a.nextAt(off) {
			n++
		}
		if n > 0 {
			st.FreeByOrder[order] = n
			st.FreeBytes += n * (1 << uint(order))
		}
	}
	st.UsedBytes = st.ArenaSize - st.FreeBytes
	return st
}

// log2 returns floor(log2(n)) for n > 0.
func log2(n int) int {
	return bits.Len(uint(n)) - 1
}

// nextPow2 returns the smallest power of two >= n, for n >= 1.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

type sliceHeader struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}

// dataPointer recovers the backing array pointer of a slice without
// indexing into it, so a zero-length-but-nonzero-cap slice (the minimum
// payload case) doesn't panic.
func dataPointer(b []byte) unsafe.Pointer {
	return (*sliceHeader)(unsafe.Pointer(&b)).Data
}

// add is a thin wrapper around unsafe.Add, kept as a single choke point for
// arena-relative pointer arithmetic.
func add(base unsafe.Pointer, offset int) unsafe.Pointer {
	return unsafe.Add(base, offset)
}
