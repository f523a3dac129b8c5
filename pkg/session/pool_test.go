package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cqlpool/pkg/cluster"
)

func TestConnSetAddEraseAtomicity(t *testing.T) {
	set := newConnSet()
	c := newLiveFakeConn(epA)

	require.True(t, set.tryAdd(c))
	assert.False(t, set.tryAdd(c), "a duplicate id does not insert")
	assert.Equal(t, 1, set.size())

	erased, ok := set.tryErase(c.ID())
	require.True(t, ok)
	assert.Equal(t, c.ID(), erased.ID())

	_, ok = set.tryErase(c.ID())
	assert.False(t, ok, "a second erase loses")
	assert.Equal(t, 0, set.size())
}

func TestConnSetConcurrentEraseHasOneWinner(t *testing.T) {
	set := newConnSet()
	c := newLiveFakeConn(epA)
	require.True(t, set.tryAdd(c))

	const racers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := set.tryErase(c.ID()); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPoolEntryRacersShareOneSet(t *testing.T) {
	var p pool

	const racers = 16
	sets := make([]*connSet, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sets[i] = p.entry(epA)
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		assert.Same(t, sets[0], sets[i], "every racer observes the surviving set")
	}
}

func TestPoolSizeSumsEndpoints(t *testing.T) {
	var p pool
	require.True(t, p.entry(epA).tryAdd(newLiveFakeConn(epA)))
	require.True(t, p.entry(epA).tryAdd(newLiveFakeConn(epA)))
	require.True(t, p.entry(epB).tryAdd(newLiveFakeConn(epB)))

	assert.Equal(t, 3, p.size())

	_, ok := p.lookup(cluster.NewEndpoint("10.0.0.250", 9042))
	assert.False(t, ok, "lookup does not create entries")
}
