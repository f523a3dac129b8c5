package session

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/conn"
	"github.com/grafana/cqlpool/pkg/cqlproto"
)

// PoolingOptions are the per-distance connection thresholds. They are
// pure configuration; the session reads, never writes.
type PoolingOptions struct {
	CoreConnsLocal  int `yaml:"core_conns_local"`
	CoreConnsRemote int `yaml:"core_conns_remote"`
	MaxConnsLocal   int `yaml:"max_conns_local"`
	MaxConnsRemote  int `yaml:"max_conns_remote"`

	// MinSimultaneousRequests is the inflight count at or below which a
	// surplus connection is considered idle enough to park.
	MinSimultaneousRequestsLocal  int `yaml:"min_simultaneous_requests_local"`
	MinSimultaneousRequestsRemote int `yaml:"min_simultaneous_requests_remote"`
	// MaxSimultaneousRequests is the inflight count at or above which a
	// connection is busy and skipped.
	MaxSimultaneousRequestsLocal  int `yaml:"max_simultaneous_requests_local"`
	MaxSimultaneousRequestsRemote int `yaml:"max_simultaneous_requests_remote"`
}

// RegisterFlags adds the pooling flags to f.
func (p *PoolingOptions) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&p.CoreConnsLocal, "pool.core-conns-local", 2, "Connections kept open to each local host.")
	f.IntVar(&p.CoreConnsRemote, "pool.core-conns-remote", 1, "Connections kept open to each remote host.")
	f.IntVar(&p.MaxConnsLocal, "pool.max-conns-local", 8, "Connection cap per local host.")
	f.IntVar(&p.MaxConnsRemote, "pool.max-conns-remote", 2, "Connection cap per remote host.")
	f.IntVar(&p.MinSimultaneousRequestsLocal, "pool.min-simultaneous-requests-local", 25, "Inflight count at or below which a surplus local connection is parked.")
	f.IntVar(&p.MinSimultaneousRequestsRemote, "pool.min-simultaneous-requests-remote", 25, "Inflight count at or below which a surplus remote connection is parked.")
	f.IntVar(&p.MaxSimultaneousRequestsLocal, "pool.max-simultaneous-requests-local", 128, "Inflight count at or above which a local connection is busy.")
	f.IntVar(&p.MaxSimultaneousRequestsRemote, "pool.max-simultaneous-requests-remote", 128, "Inflight count at or above which a remote connection is busy.")
}

// CoreConnsPerHost returns the core pool size for d.
func (p PoolingOptions) CoreConnsPerHost(d cluster.HostDistance) int {
	switch d {
	case cluster.DistanceLocal:
		return p.CoreConnsLocal
	case cluster.DistanceRemote:
		return p.CoreConnsRemote
	}
	return 0
}

// MaxConnsPerHost returns the connection cap for d.
func (p PoolingOptions) MaxConnsPerHost(d cluster.HostDistance) int {
	switch d {
	case cluster.DistanceLocal:
		return p.MaxConnsLocal
	case cluster.DistanceRemote:
		return p.MaxConnsRemote
	}
	return 0
}

// MinSimultaneousRequests returns the park threshold for d.
func (p PoolingOptions) MinSimultaneousRequests(d cluster.HostDistance) int {
	if d == cluster.DistanceRemote {
		return p.MinSimultaneousRequestsRemote
	}
	return p.MinSimultaneousRequestsLocal
}

// MaxSimultaneousRequests returns the busy threshold for d.
func (p PoolingOptions) MaxSimultaneousRequests(d cluster.HostDistance) int {
	if d == cluster.DistanceRemote {
		return p.MaxSimultaneousRequestsRemote
	}
	return p.MaxSimultaneousRequestsLocal
}

func (p PoolingOptions) validate() error {
	if p.MaxConnsLocal < 1 || p.MaxConnsRemote < 1 {
		return errors.New("max connections per host must be at least 1")
	}
	if p.CoreConnsLocal > p.MaxConnsLocal || p.CoreConnsRemote > p.MaxConnsRemote {
		return errors.New("core connections must not exceed max connections")
	}
	if p.MaxSimultaneousRequestsLocal < 1 || p.MaxSimultaneousRequestsRemote < 1 {
		return errors.New("max simultaneous requests must be at least 1")
	}
	return nil
}

// Config configures a Session.
type Config struct {
	Conn        conn.Config    `yaml:"conn"`
	Pooling     PoolingOptions `yaml:"pool"`
	Consistency string         `yaml:"consistency"`

	// TrashcanTTL is how long an idle connection survives in the
	// trashcan before the sweeper closes it.
	TrashcanTTL   time.Duration `yaml:"trashcan_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PreparedCacheSize bounds the prepared-statement registry.
	PreparedCacheSize int `yaml:"prepared_cache_size"`

	consistency cqlproto.Consistency
}

// RegisterFlags adds all session flags to f.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Conn.RegisterFlags(f)
	cfg.Pooling.RegisterFlags(f)
	f.StringVar(&cfg.Consistency, "session.consistency", "QUORUM", "Consistency level for queries.")
	f.DurationVar(&cfg.TrashcanTTL, "session.trashcan-ttl", 10*time.Second, "How long an idle connection is held in the trashcan before it is closed.")
	f.DurationVar(&cfg.SweepInterval, "session.sweep-interval", time.Second, "How often the trashcan sweeper runs.")
	f.IntVar(&cfg.PreparedCacheSize, "session.prepared-cache-size", 1000, "Number of prepared statements kept in the registry.")
}

// Validate fills defaults and rejects impossible settings.
func (cfg *Config) Validate() error {
	if err := cfg.Conn.Validate(); err != nil {
		return err
	}
	if cfg.Pooling == (PoolingOptions{}) {
		cfg.Pooling = PoolingOptions{
			CoreConnsLocal: 2, CoreConnsRemote: 1,
			MaxConnsLocal: 8, MaxConnsRemote: 2,
			MinSimultaneousRequestsLocal: 25, MinSimultaneousRequestsRemote: 25,
			MaxSimultaneousRequestsLocal: 128, MaxSimultaneousRequestsRemote: 128,
		}
	}
	if err := cfg.Pooling.validate(); err != nil {
		return err
	}
	if cfg.Consistency == "" {
		cfg.Consistency = "QUORUM"
	}
	consistency, err := cqlproto.ParseConsistency(cfg.Consistency)
	if err != nil {
		return err
	}
	cfg.consistency = consistency
	if cfg.TrashcanTTL <= 0 {
		cfg.TrashcanTTL = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.PreparedCacheSize <= 0 {
		cfg.PreparedCacheSize = 1000
	}
	return nil
}
