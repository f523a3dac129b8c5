package session

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/conn"
)

// trashcan is the holding area for connections that were surplus to the
// pool but are still open. Parking is reversible until the sweeper
// passes; recycling avoids the handshake cost of a fresh connection.
type trashcan struct {
	ttl    time.Duration
	free   func(conn.Conn)
	logger log.Logger

	mu      sync.Mutex
	entries map[cluster.Endpoint][]trashEntry

	done chan struct{}
	wg   sync.WaitGroup
}

type trashEntry struct {
	conn     conn.Conn
	deadline time.Time
}

// newTrashcan builds a trashcan whose sweeper retires expired entries
// through free. Call stop to halt the sweeper.
func newTrashcan(ttl, sweepInterval time.Duration, free func(conn.Conn), logger log.Logger) *trashcan {
	t := &trashcan{
		ttl:     ttl,
		free:    free,
		logger:  logger,
		entries: make(map[cluster.Endpoint][]trashEntry),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run(sweepInterval)
	return t
}

// put parks c with a fresh expiry deadline.
func (t *trashcan) put(c conn.Conn) {
	deadline := time.Now().Add(t.ttl)
	t.mu.Lock()
	t.entries[c.Endpoint()] = append(t.entries[c.Endpoint()], trashEntry{conn: c, deadline: deadline})
	t.mu.Unlock()
}

// recycle removes and returns the most recently parked connection for
// endpoint. The caller owns the health check and must free a
// connection that fails it.
func (t *trashcan) recycle(endpoint cluster.Endpoint) conn.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	parked := t.entries[endpoint]
	if len(parked) == 0 {
		return nil
	}
	last := parked[len(parked)-1]
	t.entries[endpoint] = parked[:len(parked)-1]
	return last.conn
}

// lenFor returns how many connections are parked for endpoint.
func (t *trashcan) lenFor(endpoint cluster.Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[endpoint])
}

func (t *trashcan) run(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

// sweep retires every entry whose deadline has passed.
func (t *trashcan) sweep(now time.Time) {
	var expired []conn.Conn

	t.mu.Lock()
	for endpoint, parked := range t.entries {
		kept := parked[:0]
		for _, entry := range parked {
			if entry.deadline.After(now) {
				kept = append(kept, entry)
			} else {
				expired = append(expired, entry.conn)
			}
		}
		if len(kept) == 0 {
			delete(t.entries, endpoint)
		} else {
			t.entries[endpoint] = kept
		}
	}
	t.mu.Unlock()

	for _, c := range expired {
		level.Debug(t.logger).Log("msg", "sweeping expired connection", "endpoint", c.Endpoint(), "conn_id", c.ID())
		t.free(c)
	}
}

// closeAll closes every parked connection without going through free.
// Used on session teardown, where counters no longer matter.
func (t *trashcan) closeAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[cluster.Endpoint][]trashEntry)
	t.mu.Unlock()

	for _, parked := range entries {
		for _, entry := range parked {
			entry.conn.Close()
		}
	}
}

// stop halts the sweeper. Parked connections stay parked.
func (t *trashcan) stop() {
	close(t.done)
	t.wg.Wait()
}
