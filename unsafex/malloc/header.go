package malloc

// The first 8 bytes of every allocated block hold a header: bit 63 is the
// in-use flag, bits 0-62 are the block's order. A free block has no header
// of its own; its first 16 bytes are free-list links instead (see
// freelist.go). markAllocated and clearHeader are the only two places that
// transition a block between those two byte layouts.

// markAllocated writes the header for a block being handed out and returns
// the offset of its payload (the first byte after the header).
func (a *Allocator) markAllocated(blockOffset, order int) int {
	*(*uint64)(add(a.arenaStart, blockOffset)) = uint64(order) | inUseBit
	return blockOffset + HeaderSize
}

// clearHeader overwrites a block's header bytes with sentinel free-list
// links, so the block is immediately safe to attach to a free list.
func (a *Allocator) clearHeader(blockOffset int) {
	a.setPrevAt(blockOffset, emptyLink)
	a.setNextAt(blockOffset, emptyLink)
}

// readHeader reads the raw header bits at blockOffset without any
// validation. Free treats the side table, not this, as the authoritative
// record of whether a block is in use -- a block's first 8 bytes no longer
// reliably mean "header" once it's been freed and re-threaded onto a free
// list, since a stale prev/next link can coincidentally set bit 63. This is
// used only to corroborate the side table's account once the side table
// has already confirmed the block is allocated.
func (a *Allocator) readHeader(blockOffset int) (order int, inUse bool) {
	h := *(*uint64)(add(a.arenaStart, blockOffset))
	return int(h &^ inUseBit), h&inUseBit != 0
}

// isInUse reports whether the block at blockOffset currently carries the
// in-use header bit. Exposed for diagnostics and tests.
func (a *Allocator) isInUse(blockOffset int) bool {
	_, inUse := a.readHeader(blockOffset)
	return inUse
}
