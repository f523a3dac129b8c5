package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/conn"
)

// connSet is the pool entry for one endpoint: the connections currently
// active there, keyed by connection id. All mutation is
// check-and-mutate under the per-endpoint mutex, so racing inserts and
// erases of the same id resolve to exactly one winner.
type connSet struct {
	mu    sync.Mutex
	conns map[uuid.UUID]conn.Conn
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[uuid.UUID]conn.Conn)}
}

// tryAdd inserts c if its id is absent.
func (s *connSet) tryAdd(c conn.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.ID()]; ok {
		return false
	}
	s.conns[c.ID()] = c
	return true
}

// tryErase removes and returns the connection under id.
func (s *connSet) tryErase(id uuid.UUID) (conn.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	return c, ok
}

func (s *connSet) get(id uuid.UUID) (conn.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *connSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *connSet) ids() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *connSet) snapshot() []conn.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]conn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// pool maps endpoints to their connSet. Entries are created lazily and
// never removed; an endpoint that lost all connections keeps its empty
// set.
type pool struct {
	m sync.Map // cluster.Endpoint -> *connSet
}

// entry returns the connSet for endpoint, creating it if needed. Two
// racing creators observe the same surviving set.
func (p *pool) entry(endpoint cluster.Endpoint) *connSet {
	if v, ok := p.m.Load(endpoint); ok {
		return v.(*connSet)
	}
	v, _ := p.m.LoadOrStore(endpoint, newConnSet())
	return v.(*connSet)
}

// lookup returns the connSet for endpoint without creating one.
func (p *pool) lookup(endpoint cluster.Endpoint) (*connSet, bool) {
	v, ok := p.m.Load(endpoint)
	if !ok {
		return nil, false
	}
	return v.(*connSet), true
}

func (p *pool) each(fn func(endpoint cluster.Endpoint, set *connSet)) {
	p.m.Range(func(k, v interface{}) bool {
		fn(k.(cluster.Endpoint), v.(*connSet))
		return true
	})
}

func (p *pool) size() int {
	total := 0
	p.each(func(_ cluster.Endpoint, set *connSet) {
		total += set.size()
	})
	return total
}
