package session

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/grafana/cqlpool/pkg/cluster"
)

// counters tracks, per endpoint, how many connections exist: active in
// the pool plus parked in the trashcan. increase and decrease are the
// only sanctioned admission and retirement gates.
type counters struct {
	m sync.Map // cluster.Endpoint -> *atomic.Int64
}

// increase admits one connection for endpoint if the count stays within
// cap. The check and the increment are a single atomic step; a refused
// call leaves the count untouched.
func (c *counters) increase(endpoint cluster.Endpoint, cap int) bool {
	v, ok := c.m.Load(endpoint)
	if !ok {
		if cap < 1 {
			return false
		}
		var loaded bool
		if v, loaded = c.m.LoadOrStore(endpoint, atomic.NewInt64(1)); !loaded {
			return true
		}
	}

	count := v.(*atomic.Int64)
	for {
		n := count.Load()
		if n >= int64(cap) {
			return false
		}
		if count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// decrease retires one connection for endpoint, clamping at zero.
func (c *counters) decrease(endpoint cluster.Endpoint) {
	v, ok := c.m.Load(endpoint)
	if !ok {
		return
	}
	count := v.(*atomic.Int64)
	for {
		n := count.Load()
		if n <= 0 {
			return
		}
		if count.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// get returns the current count for endpoint.
func (c *counters) get(endpoint cluster.Endpoint) int64 {
	v, ok := c.m.Load(endpoint)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}
