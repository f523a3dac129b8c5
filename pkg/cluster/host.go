package cluster

import (
	"fmt"

	"go.uber.org/atomic"
)

// HostDistance classifies a host under the current policy and selects
// its pooling thresholds.
type HostDistance int

const (
	DistanceLocal HostDistance = iota
	DistanceRemote
	DistanceIgnored
)

func (d HostDistance) String() string {
	switch d {
	case DistanceLocal:
		return "local"
	case DistanceRemote:
		return "remote"
	case DistanceIgnored:
		return "ignored"
	}
	return fmt.Sprintf("distance(%d)", int(d))
}

// Host is one cluster node: an endpoint plus the topology facts the
// policies key on. Hosts are created by the topology refresher and
// shared by pointer; the up flag is the only mutable field.
type Host struct {
	endpoint   Endpoint
	datacenter string
	rack       string
	up         atomic.Bool
}

// NewHost builds a Host that starts out up.
func NewHost(endpoint Endpoint, datacenter, rack string) *Host {
	h := &Host{endpoint: endpoint, datacenter: datacenter, rack: rack}
	h.up.Store(true)
	return h
}

func (h *Host) Endpoint() Endpoint { return h.endpoint }
func (h *Host) Datacenter() string { return h.datacenter }
func (h *Host) Rack() string { return h.rack }
func (h *Host) SetUp(up bool) { h.up.Store(up) }
func (h *Host) IsUp() bool { return h.up.Load() }

// ConsiderablyUp is the cheap liveness hint consulted before any
// network work is spent on the host. It never touches the network.
func (h *Host) ConsiderablyUp() bool { return h.up.Load() }

func (h *Host) String() string {
	return fmt.Sprintf("%s [dc=%s rack=%s]", h.endpoint, h.datacenter, h.rack)
}
