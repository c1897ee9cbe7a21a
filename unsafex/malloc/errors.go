package malloc

import "errors"

var (
	// ErrArenaTooSmall is returned by Init when size rounds to an arena
	// smaller than the minimum block size.
	ErrArenaTooSmall = errors.New("malloc: requested size rounds to an arena smaller than the minimum block size")

	// ErrArenaTooLarge is returned by Init when size rounds to an arena
	// order this allocator's side table can't address.
	ErrArenaTooLarge = errors.New("malloc: requested size rounds to an arena order beyond what this allocator supports")

	// ErrOutOfMemory is returned by Init when the configured Source fails
	// to acquire the arena.
	ErrOutOfMemory = errors.New("malloc: backing source failed to acquire the arena")
)
