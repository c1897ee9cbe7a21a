package malloc

// Free-list links live in the first 16 bytes of every free block: an int64
// prev at offset 0, an int64 next at offset 8, both arena-relative offsets,
// both emptyLink when absent. Reading/writing them is the only place the
// allocator reaches into a free block's bytes with unsafe.Pointer, mirroring
// how the header codec reaches into an allocated block's bytes.

func (a *Allocator) ptrAt(offset int) *int64 {
	return (*int64)(add(a.arenaStart, offset))
}

func (a *Allocator) prevAt(offset int) int {
	return int(*a.ptrAt(offset))
}

func (a *Allocator) setPrevAt(offset, v int) {
	*a.ptrAt(offset) = int64(v)
}

func (a *Allocator) nextAt(offset int) int {
	return int(*a.ptrAt(offset + 8))
}

func (a *Allocator) setNextAt(offset, v int) {
	*a.ptrAt(offset+8) = int64(v)
}

// attach inserts entry at the head of the free list of the given order.
// Always correct regardless of whether the list was previously empty,
// unlike the attach-after-node scheme in the original design, which only
// behaves correctly when the target list is already empty (the one case
// that actually arises from splitDownTo, since the upward search already
// established blocks[order-1] is empty before a split reaches it).
func (a *Allocator) attach(order, entry int) {
	head := a.blocks[order]
	a.setPrevAt(entry, emptyLink)
	a.setNextAt(entry, head)
	if head != emptyLink {
		a.setPrevAt(head, entry)
	}
	a.blocks[order] = entry
}

// detachHead removes and returns the head of the free list of the given
// order, or emptyLink if the list is empty.
func (a *Allocator) detachHead(order int) int {
	head := a.blocks[order]
	if head == emptyLink {
		return emptyLink
	}
	next := a.nextAt(head)
	if next != emptyLink {
		a.setPrevAt(next, emptyLink)
	}
	a.blocks[order] = next
	a.setPrevAt(head, emptyLink)
	a.setNextAt(head, emptyLink)
	return head
}

// splice unlinks node from whichever list it currently sits in, patching
// its neighbors. It does not touch any list-head slot.
func (a *Allocator) splice(node int) {
	prev := a.prevAt(node)
	next := a.nextAt(node)
	if prev != emptyLink {
		a.setNextAt(prev, next)
	}
	if next != emptyLink {
		a.setPrevAt(next, prev)
	}
	a.setPrevAt(node, emptyLink)
	a.setNextAt(node, emptyLink)
}

// spliceAndMaybeUnhead removes an arbitrary node from the free list of the
// given order, advancing the list's head slot if node was the head. This is
// what coalesce needs: its buddy is not necessarily at the head.
func (a *Allocator) spliceAndMaybeUnhead(order, node int) {
	wasHead := a.blocks[order] == node
	next := a.nextAt(node)
	a.splice(node)
	if wasHead {
		a.blocks[order] = next
	}
}
