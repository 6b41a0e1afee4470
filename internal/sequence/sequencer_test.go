package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencer_Next(t *testing.T) {
	s := New(0)
	assert.Equal(t, uint64(1), s.Next())
	assert.Equal(t, uint64(2), s.Next())
	assert.Equal(t, uint64(2), s.Current())

	s.Reset(100)
	assert.Equal(t, uint64(101), s.Next())
}

func TestSequencer_ZeroValue(t *testing.T) {
	var s Sequencer
	assert.Equal(t, uint64(1), s.Next())
}

func TestSequencer_ConcurrentUnique(t *testing.T) {
	s := New(0)
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				id := s.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*per)
	assert.Equal(t, uint64(workers*per), s.Current())
}
