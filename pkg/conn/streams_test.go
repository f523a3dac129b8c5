package conn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSetAcquireRelease(t *testing.T) {
	s := NewStreamSet(128)

	id := s.Acquire()
	require.True(t, id.Valid())
	assert.Equal(t, 1, s.InUse())
	assert.Equal(t, 127, s.Available())

	require.True(t, s.Release(id))
	assert.Equal(t, 0, s.InUse())
	assert.Equal(t, 128, s.Available())
}

func TestStreamSetDoubleReleaseIsDetected(t *testing.T) {
	s := NewStreamSet(128)

	id := s.Acquire()
	require.True(t, s.Release(id))

	assert.False(t, s.Release(id), "releasing a free id fails")
	assert.Equal(t, 1, s.DoubleReleases())
	assert.Equal(t, 0, s.InUse(), "the failed release does not corrupt the count")

	assert.False(t, s.Release(InvalidStream))
	assert.False(t, s.Release(StreamID(500)))
}

func TestStreamSetExhaustion(t *testing.T) {
	const max = 4
	s := NewStreamSet(max)

	held := make([]StreamID, 0, max)
	for i := 0; i < max; i++ {
		id := s.Acquire()
		require.True(t, id.Valid())
		held = append(held, id)
	}
	assert.Equal(t, InvalidStream, s.Acquire(), "an exhausted allocator returns the invalid stream")

	require.True(t, s.Release(held[2]))
	again := s.Acquire()
	assert.True(t, again.Valid(), "a released slot is reusable")
}

func TestStreamSetConcurrentAcquireIsUnique(t *testing.T) {
	const workers = 64
	s := NewStreamSet(128)

	ids := make(chan StreamID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- s.Acquire()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[StreamID]bool)
	for id := range ids {
		require.True(t, id.Valid())
		assert.False(t, seen[id], "no id is handed out twice")
		seen[id] = true
	}
	assert.Equal(t, workers, s.InUse())
}
