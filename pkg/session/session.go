// Package session implements the driver core: the per-host connection
// pools, the capped connection counters, the trashcan, and the connect
// walk that turns a query plan into a connection with a free stream.
package session

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/conn"
	"github.com/grafana/cqlpool/pkg/cqlproto"
)

// PreparedStatement is the server-side handle returned by a prepare.
type PreparedStatement struct {
	ID        []byte
	Statement string
}

// Callbacks are the session lifecycle hooks. Ready fires once, on the
// first successful handshake; Defunct fires once, when the session
// gives up on ever holding a connection.
type Callbacks struct {
	Ready   func(*Session)
	Defunct func(*Session)
}

// Session multiplexes queries over per-host connection pools. It is
// safe for use from any goroutine and is single-use: once closed it
// stays closed.
type Session struct {
	cfg      Config
	policy   cluster.Policy
	factory  conn.Factory
	cbs      Callbacks
	logger   log.Logger
	metrics  *metrics
	id       uuid.UUID
	prepared *lru.Cache[string, *PreparedStatement]

	pool     pool
	counters counters
	trash    *trashcan

	ready   atomic.Bool
	defunct atomic.Bool
	closed  atomic.Bool
}

// New builds a Session. The policy supplies query plans, the factory
// manufactures unconnected connections.
func New(cfg Config, policy cluster.Policy, factory conn.Factory, cbs Callbacks, logger log.Logger, reg prometheus.Registerer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session config")
	}
	if policy == nil {
		return nil, errors.New("a load balancing policy is required")
	}
	if factory == nil {
		return nil, errors.New("a connection factory is required")
	}

	prepared, err := lru.New[string, *PreparedStatement](cfg.PreparedCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		policy:   policy,
		factory:  factory,
		cbs:      cbs,
		logger:   log.With(logger, "component", "session"),
		metrics:  newMetrics(reg),
		id:       uuid.New(),
		prepared: prepared,
	}
	s.trash = newTrashcan(cfg.TrashcanTTL, cfg.SweepInterval, s.freeConn, s.logger)
	return s, nil
}

// ID returns the session's identity.
func (s *Session) ID() uuid.UUID { return s.id }

// Init performs a warm-up connect to the first viable host, failing
// fast on broken configuration. The acquired stream is returned unused.
func (s *Session) Init(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	plan := s.policy.NewQueryPlan("")
	var tried []cluster.Endpoint
	c, stream, err := s.connect(ctx, plan, &tried)
	if err != nil {
		return err
	}
	c.ReleaseStream(stream)
	return nil
}

// connect walks plan one host at a time until it holds a connection
// with a free stream. Order per host: an existing pooled connection
// first, then the trashcan, then a fresh allocation; allocation is last
// because it is the only step that pays a handshake and a counter slot.
func (s *Session) connect(ctx context.Context, plan cluster.QueryPlan, tried *[]cluster.Endpoint) (conn.Conn, conn.StreamID, error) {
	allocFailed := false

	for {
		host := plan.NextHost()
		if host == nil {
			break
		}
		if !host.ConsiderablyUp() {
			continue
		}
		endpoint := host.Endpoint()
		*tried = append(*tried, endpoint)

		set := s.pool.entry(endpoint)
		if c, stream := s.tryFindFreeStream(host, set); c != nil {
			return c, stream, nil
		}

		c := s.trash.recycle(endpoint)
		if c != nil {
			if c.Healthy() {
				s.metrics.connsRecycled.Inc()
			} else {
				s.freeConn(c)
				c = nil
			}
		}

		if c == nil {
			var err error
			c, err = s.allocateConn(ctx, host)
			if err != nil {
				if !errors.Is(err, errTooManyConns) {
					allocFailed = true
				}
				level.Info(s.logger).Log("msg", "host yielded no connection", "endpoint", endpoint, "err", err)
				continue
			}
		}

		set.tryAdd(c)
		stream := c.AcquireStream()
		if !stream.Valid() {
			continue
		}
		return c, stream, nil
	}

	s.metrics.noHostAvailable.Inc()
	if allocFailed && s.Empty() {
		s.setDefunct()
	}
	return nil, conn.InvalidStream, &NoHostAvailableError{Tried: *tried}
}

// tryFindFreeStream scans the pooled connections for host. Dead ones
// are freed on sight. The first connection under the busy threshold
// with a free stream is taken; once one is held the remaining surplus
// above the core size is parked in the trashcan if idle enough.
func (s *Session) tryFindFreeStream(host *cluster.Host, set *connSet) (conn.Conn, conn.StreamID) {
	distance := s.policy.Distance(host)
	maxSimultaneous := s.cfg.Pooling.MaxSimultaneousRequests(distance)
	minSimultaneous := s.cfg.Pooling.MinSimultaneousRequests(distance)
	core := s.cfg.Pooling.CoreConnsPerHost(distance)

	var (
		found       conn.Conn
		foundStream = conn.InvalidStream
	)
	for _, id := range set.ids() {
		c, ok := set.get(id)
		if !ok {
			continue
		}
		if !c.Healthy() {
			if removed, ok := set.tryErase(id); ok {
				s.freeConn(removed)
			}
			continue
		}
		if found == nil && !c.Busy(maxSimultaneous) {
			if stream := c.AcquireStream(); stream.Valid() {
				found, foundStream = c, stream
				continue
			}
		}
		if set.size() > core && c.Free(minSimultaneous) {
			if removed, ok := set.tryErase(id); ok {
				s.trash.put(removed)
				s.metrics.connsTrashed.Inc()
			}
		}
	}
	return found, foundStream
}

// allocateConn reserves a counter slot, manufactures a connection, and
// waits out its handshake. The slot is released again on failure;
// errTooManyConns is the caller's cue to move to the next host.
func (s *Session) allocateConn(ctx context.Context, host *cluster.Host) (conn.Conn, error) {
	endpoint := host.Endpoint()
	maxConns := s.cfg.Pooling.MaxConnsPerHost(s.policy.Distance(host))
	if !s.counters.increase(endpoint, maxConns) {
		return nil, errors.WithStack(errTooManyConns)
	}

	c := s.factory()
	if err := c.Connect(ctx, endpoint); err != nil {
		s.counters.decrease(endpoint)
		s.metrics.connectErrors.Inc()
		level.Error(s.logger).Log("msg", "connection exhausted its reconnect budget", "endpoint", endpoint, "err", err)
		return nil, errors.Wrapf(err, "cannot connect to host %s", endpoint)
	}

	s.metrics.connsOpened.Inc()
	s.metrics.openConns.WithLabelValues(endpoint.String()).Inc()
	s.setReady()
	return c, nil
}

// freeConn closes c and releases its counter slot. With the sweep, this
// is the only retirement path.
func (s *Session) freeConn(c conn.Conn) {
	if c == nil {
		return
	}
	endpoint := c.Endpoint()
	c.Close()
	s.counters.decrease(endpoint)
	s.metrics.connsClosed.Inc()
	s.metrics.openConns.WithLabelValues(endpoint.String()).Dec()
}

func (s *Session) getConnection(ctx context.Context, stmt string) (conn.Conn, conn.StreamID, error) {
	plan := s.policy.NewQueryPlan(stmt)
	var tried []cluster.Endpoint
	return s.connect(ctx, plan, &tried)
}

type dispatchFn func(conn.Conn, conn.Request, conn.Callback, conn.Errback) (conn.StreamID, error)

func (s *Session) executeOperation(ctx context.Context, op string, stmt string, req conn.Request, cb conn.Callback, eb conn.Errback, dispatch dispatchFn) (conn.StreamID, error) {
	if s.closed.Load() {
		return conn.InvalidStream, ErrSessionClosed
	}
	c, stream, err := s.getConnection(ctx, stmt)
	if err != nil {
		return conn.InvalidStream, err
	}
	req.Stream = stream
	req.Consistency = s.cfg.consistency
	s.metrics.dispatches.WithLabelValues(op).Inc()
	return dispatch(c, req, cb, eb)
}

// Query dispatches stmt on a pooled connection and returns the stream
// it is bound to. Exactly one of cb or eb fires.
func (s *Session) Query(ctx context.Context, stmt string, cb conn.Callback, eb conn.Errback) (conn.StreamID, error) {
	return s.executeOperation(ctx, "query", stmt, conn.Request{Statement: stmt}, cb, eb, conn.Conn.Query)
}

// Prepare dispatches a PREPARE for stmt.
func (s *Session) Prepare(ctx context.Context, stmt string, cb conn.Callback, eb conn.Errback) (conn.StreamID, error) {
	return s.executeOperation(ctx, "prepare", stmt, conn.Request{Statement: stmt}, cb, eb, conn.Conn.Prepare)
}

// Execute dispatches a previously prepared statement.
func (s *Session) Execute(ctx context.Context, prepared *PreparedStatement, cb conn.Callback, eb conn.Errback) (conn.StreamID, error) {
	if prepared == nil || len(prepared.ID) == 0 {
		return conn.InvalidStream, errors.New("prepared statement has no id")
	}
	return s.executeOperation(ctx, "execute", prepared.Statement, conn.Request{PreparedID: prepared.ID}, cb, eb, conn.Conn.Execute)
}

// QueryAsync is Query with a future-shaped result. When no viable
// connection exists the future is already completed with a LibraryError
// and the call itself never fails.
func (s *Session) QueryAsync(ctx context.Context, stmt string) *Future {
	f := newFuture()
	_, err := s.Query(ctx, stmt,
		func(resp conn.Response) {
			f.complete(&Result{Stream: resp.Stream, Opcode: resp.Opcode, Body: resp.Body}, nil)
		},
		func(err error) { f.complete(nil, err) },
	)
	if err != nil {
		f.complete(nil, &LibraryError{Message: libraryErrMessage, Cause: err})
	}
	return f
}

// PrepareAsync prepares stmt and interns the resulting handle. A
// statement already in the registry completes immediately.
func (s *Session) PrepareAsync(ctx context.Context, stmt string) *Future {
	if p, ok := s.prepared.Get(stmt); ok && !s.closed.Load() {
		f := newFuture()
		f.complete(&Result{Prepared: p}, nil)
		return f
	}

	f := newFuture()
	_, err := s.Prepare(ctx, stmt,
		func(resp conn.Response) {
			id, perr := cqlproto.ParsePrepared(resp.Body)
			if perr != nil {
				f.complete(nil, perr)
				return
			}
			p := &PreparedStatement{ID: id, Statement: stmt}
			s.prepared.Add(stmt, p)
			f.complete(&Result{Stream: resp.Stream, Opcode: resp.Opcode, Body: resp.Body, Prepared: p}, nil)
		},
		func(err error) { f.complete(nil, err) },
	)
	if err != nil {
		f.complete(nil, &LibraryError{Message: libraryErrMessage, Cause: err})
	}
	return f
}

// ExecuteAsync executes a prepared handle with a future-shaped result.
func (s *Session) ExecuteAsync(ctx context.Context, prepared *PreparedStatement) *Future {
	f := newFuture()
	_, err := s.Execute(ctx, prepared,
		func(resp conn.Response) {
			f.complete(&Result{Stream: resp.Stream, Opcode: resp.Opcode, Body: resp.Body}, nil)
		},
		func(err error) { f.complete(nil, err) },
	)
	if err != nil {
		f.complete(nil, &LibraryError{Message: libraryErrMessage, Cause: err})
	}
	return f
}

// Size returns the number of pooled connections across all endpoints.
// Trashed connections do not count.
func (s *Session) Size() int { return s.pool.size() }

// Empty reports Size() == 0.
func (s *Session) Empty() bool { return s.Size() == 0 }

// Ready reports whether any handshake has ever succeeded.
func (s *Session) Ready() bool { return s.ready.Load() }

// Defunct reports whether the session has given up on holding any
// connection.
func (s *Session) Defunct() bool { return s.defunct.Load() }

func (s *Session) setReady() {
	if s.ready.CompareAndSwap(false, true) && s.cbs.Ready != nil {
		s.cbs.Ready(s)
	}
}

func (s *Session) setDefunct() {
	if s.defunct.CompareAndSwap(false, true) {
		level.Error(s.logger).Log("msg", "no clients left in pool, session is defunct")
		if s.cbs.Defunct != nil {
			s.cbs.Defunct(s)
		}
	}
}

// Close closes every pooled and trashed connection. Counters are left
// as they are; the session is being torn down and is single-use.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.trash.stop()
	s.trash.closeAll()

	var g errgroup.Group
	s.pool.each(func(_ cluster.Endpoint, set *connSet) {
		for _, c := range set.snapshot() {
			g.Go(c.Close)
		}
	})
	g.Wait()
}
