package cluster

import (
	"sync"

	"go.uber.org/atomic"
)

// QueryPlan is a one-shot ordered iterator of candidate hosts for a
// single query. NextHost returns nil once the plan is exhausted; plans
// are never restarted.
type QueryPlan interface {
	NextHost() *Host
}

// Policy orders hosts for queries and classifies their distance. The
// topology refresher drives AddHost/RemoveHost; the session only reads.
type Policy interface {
	AddHost(h *Host)
	RemoveHost(endpoint Endpoint)
	Distance(h *Host) HostDistance
	NewQueryPlan(stmt string) QueryPlan
}

type sliceQueryPlan struct {
	hosts []*Host
	next  int
}

func (p *sliceQueryPlan) NextHost() *Host {
	if p.next >= len(p.hosts) {
		return nil
	}
	h := p.hosts[p.next]
	p.next++
	return h
}

// RoundRobinPolicy rotates over all known hosts. Every host is local to
// it; liveness filtering is the session's job.
type RoundRobinPolicy struct {
	mu    sync.RWMutex
	hosts []*Host
	pos   atomic.Uint32
}

func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

func (p *RoundRobinPolicy) AddHost(h *Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, known := range p.hosts {
		if known.Endpoint() == h.Endpoint() {
			return
		}
	}
	p.hosts = append(p.hosts, h)
}

func (p *RoundRobinPolicy) RemoveHost(endpoint Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, known := range p.hosts {
		if known.Endpoint() == endpoint {
			p.hosts = append(p.hosts[:i], p.hosts[i+1:]...)
			return
		}
	}
}

func (p *RoundRobinPolicy) Distance(*Host) HostDistance { return DistanceLocal }

func (p *RoundRobinPolicy) NewQueryPlan(string) QueryPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.hosts)
	ordered := make([]*Host, 0, n)
	if n > 0 {
		start := int(p.pos.Inc()-1) % n
		for i := 0; i < n; i++ {
			ordered = append(ordered, p.hosts[(start+i)%n])
		}
	}
	return &sliceQueryPlan{hosts: ordered}
}

// DCAwarePolicy prefers hosts in the local datacenter, round-robin
// within each tier, remote hosts trailing.
type DCAwarePolicy struct {
	localDC string

	mu     sync.RWMutex
	local  []*Host
	remote []*Host
	pos    atomic.Uint32
}

func NewDCAwarePolicy(localDC string) *DCAwarePolicy {
	return &DCAwarePolicy{localDC: localDC}
}

func (p *DCAwarePolicy) AddHost(h *Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tier := &p.remote
	if h.Datacenter() == p.localDC {
		tier = &p.local
	}
	for _, known := range *tier {
		if known.Endpoint() == h.Endpoint() {
			return
		}
	}
	*tier = append(*tier, h)
}

func (p *DCAwarePolicy) RemoveHost(endpoint Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tier := range []*[]*Host{&p.local, &p.remote} {
		for i, known := range *tier {
			if known.Endpoint() == endpoint {
				*tier = append((*tier)[:i], (*tier)[i+1:]...)
				return
			}
		}
	}
}

func (p *DCAwarePolicy) Distance(h *Host) HostDistance {
	if h.Datacenter() == p.localDC {
		return DistanceLocal
	}
	return DistanceRemote
}

func (p *DCAwarePolicy) NewQueryPlan(string) QueryPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	offset := int(p.pos.Inc() - 1)
	ordered := make([]*Host, 0, len(p.local)+len(p.remote))
	ordered = appendRotated(ordered, p.local, offset)
	ordered = appendRotated(ordered, p.remote, offset)
	return &sliceQueryPlan{hosts: ordered}
}

func appendRotated(dst, tier []*Host, offset int) []*Host {
	n := len(tier)
	for i := 0; i < n; i++ {
		dst = append(dst, tier[(offset+i)%n])
	}
	return dst
}
