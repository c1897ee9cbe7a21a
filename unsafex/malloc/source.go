package malloc

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/buddyalloc/cache/mempool"
)

// Source is the backing-memory collaborator an Allocator acquires its
// arena from and releases it back to. It is the extension point for
// callers who want something other than a plain GC-owned byte slice
// backing the arena -- a pool, an mmap'd region, shared memory, and so on.
type Source interface {
	// Acquire returns a zeroed, writable slice of exactly n bytes. The
	// returned slice's backing array must not move for the lifetime of
	// the arena.
	Acquire(n int) ([]byte, error)
	// Release returns a slice previously returned by Acquire. Implementations
	// may no-op (letting the GC reclaim it) or return it to a pool.
	Release(buf []byte)
}

// heapSource acquires arenas with dirtmake.Bytes, an allocation that skips
// the runtime's usual zero-fill, then zeroes the result itself. dirtmake
// documents its buffers as uninitialized, so the explicit clear below is
// what makes this Source meet Acquire's zeroed-slice contract.
type heapSource struct{}

func (heapSource) Acquire(n int) ([]byte, error) {
	buf := dirtmake.Bytes(n, n)
	clear(buf)
	return buf, nil
}

func (heapSource) Release([]byte) {}

// defaultSource is used by Init when no WithSource option is given.
var defaultSource Source = heapSource{}

// pooledSource acquires arenas from mempool's sync.Pool-backed size
// classes and returns them on Release, amortizing the make([]byte, n) cost
// across many short-lived arenas (one per request, one per sandboxed guest
// instantiation, and so on).
type pooledSource struct{}

func (pooledSource) Acquire(n int) ([]byte, error) {
	buf := mempool.MallocZeroed(n)
	if len(buf) != n {
		mempool.Free(buf)
		return nil, fmt.Errorf("malloc: pooled source returned %d bytes, wanted %d", len(buf), n)
	}
	return buf, nil
}

func (pooledSource) Release(buf []byte) {
	mempool.Free(buf)
}

// PooledSource is a Source backed by cache/mempool's buffer pool. Pass it
// to Init via WithSource(PooledSource) in workloads that create and tear
// down many arenas.
var PooledSource Source = pooledSource{}
