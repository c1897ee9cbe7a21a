package malloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeConcurrentAllocFree(t *testing.T) {
	a, err := Init(1 << 20)
	require.NoError(t, err)
	s := NewSafe(a)

	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			var blocks [][]byte
			for i := 0; i < perGoroutine; i++ {
				b := s.Alloc(64)
				if b != nil {
					blocks = append(blocks, b)
				}
			}
			for _, b := range blocks {
				s.Free(b)
			}
		}()
	}
	wg.Wait()

	st := s.Stats()
	require.Equal(t, st.ArenaSize, st.FreeBytes, "all blocks freed, arena should be fully reclaimed")
	s.Close()
}
