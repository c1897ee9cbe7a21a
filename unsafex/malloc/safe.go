package malloc

import "sync"

// Safe wraps an *Allocator with a single mutex, giving the same Alloc/
// Free/Close/Stats surface to concurrent callers. The core Allocator stays
// single-owner and unsynchronized by design; Safe is the documented
// extension point for workloads that need to share one arena across
// goroutines.
type Safe struct {
	mu sync.Mutex
	a  *Allocator
}

// NewSafe wraps a, which must not be used directly by any other caller
// afterward.
func NewSafe(a *Allocator) *Safe {
	return &Safe{a: a}
}

// Alloc is Allocator.Alloc under the lock.
func (s *Safe) Alloc(size int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Alloc(size)
}

// Free is Allocator.Free under the lock.
func (s *Safe) Free(block []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.a.Free(block)
}

// Close is Allocator.Close under the lock.
func (s *Safe) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.a.Close()
}

// Stats is Allocator.Stats under the lock.
func (s *Safe) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Stats()
}
