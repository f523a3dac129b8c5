package conn

import (
	"context"
	"flag"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/cqlproto"
)

var errConnClosed = errors.New("connection closed")

// Config holds the per-connection knobs.
type Config struct {
	Version     cqlproto.Version  `yaml:"protocol_version"`
	Compression string            `yaml:"compression"`
	DialTimeout time.Duration     `yaml:"dial_timeout"`
	Reconnect   backoff.Config    `yaml:"reconnect_backoff"`
	Credentials map[string]string `yaml:"-"`
}

// RegisterFlags adds the connection flags to f.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Version = cqlproto.Version2
	f.Var(&cfg.Version, "conn.protocol-version", "CQL native protocol version (1-3).")
	f.StringVar(&cfg.Compression, "conn.compression", "", "Frame body compression: snappy, lz4, or empty for none.")
	f.DurationVar(&cfg.DialTimeout, "conn.dial-timeout", 600*time.Millisecond, "Timeout for dialing and handshaking one connection.")
	cfg.Reconnect.RegisterFlagsWithPrefix("conn.reconnect.", f)
}

// Validate fills defaults and rejects impossible settings.
func (cfg *Config) Validate() error {
	if cfg.Version == 0 {
		cfg.Version = cqlproto.Version2
	}
	if !cfg.Version.Valid() {
		return errors.Errorf("unsupported protocol version %d", cfg.Version)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 600 * time.Millisecond
	}
	if cfg.Reconnect.MinBackoff <= 0 {
		cfg.Reconnect.MinBackoff = 100 * time.Millisecond
	}
	if cfg.Reconnect.MaxBackoff <= 0 {
		cfg.Reconnect.MaxBackoff = 10 * time.Second
	}
	if cfg.Reconnect.MaxRetries <= 0 {
		cfg.Reconnect.MaxRetries = 3
	}
	if _, err := cqlproto.LookupCompressor(cfg.Compression); err != nil {
		return err
	}
	return nil
}

// NewFactory returns a Factory producing unconnected TCP connections.
func NewFactory(cfg Config, logger log.Logger) (Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	compressor, err := cqlproto.LookupCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return func() Conn {
		return newTCPConn(cfg, compressor, logger)
	}, nil
}

type call struct {
	cb Callback
	eb Errback
}

// TCPConn is one TCP session speaking the native protocol. A reader
// goroutine demultiplexes responses by stream id; writers serialize on
// the connection mutex.
type TCPConn struct {
	cfg        Config
	compressor cqlproto.Compressor
	logger     log.Logger

	id      uuid.UUID
	streams *StreamSet

	endpoint cluster.Endpoint
	sock     net.Conn
	healthy  atomic.Bool
	closed   atomic.Bool

	mu    sync.Mutex
	calls map[StreamID]call
}

func newTCPConn(cfg Config, compressor cqlproto.Compressor, logger log.Logger) *TCPConn {
	id := uuid.New()
	return &TCPConn{
		cfg:        cfg,
		compressor: compressor,
		logger:     log.With(logger, "conn_id", id),
		id:         id,
		streams:    NewStreamSet(cqlproto.MaxStreams(cfg.Version)),
		calls:      make(map[StreamID]call),
	}
}

func (c *TCPConn) ID() uuid.UUID { return c.id }
func (c *TCPConn) Endpoint() cluster.Endpoint { return c.endpoint }
func (c *TCPConn) Healthy() bool { return c.healthy.Load() }
func (c *TCPConn) Busy(threshold int) bool { return c.streams.InUse() >= threshold }
func (c *TCPConn) Free(threshold int) bool { return c.streams.InUse() <= threshold }
func (c *TCPConn) InFlight() int { return c.streams.InUse() }
func (c *TCPConn) AvailableStreams() int { return c.streams.Available() }
func (c *TCPConn) AcquireStream() StreamID { return c.streams.Acquire() }

func (c *TCPConn) ReleaseStream(id StreamID) bool { return c.streams.Release(id) }

// Connect dials endpoint and runs the handshake, retrying under the
// reconnect budget. One call, one outcome.
func (c *TCPConn) Connect(ctx context.Context, endpoint cluster.Endpoint) error {
	if c.closed.Load() {
		return errors.WithStack(errConnClosed)
	}
	c.endpoint = endpoint

	var lastErr error
	bo := backoff.New(ctx, c.cfg.Reconnect)
	for bo.Ongoing() {
		sock, err := c.dialAndHandshake(ctx, endpoint)
		if err == nil {
			c.sock = sock
			c.healthy.Store(true)
			go c.readLoop()
			return nil
		}
		lastErr = err
		level.Info(c.logger).Log("msg", "handshake failed", "endpoint", endpoint, "attempt", bo.NumRetries()+1, "err", err)
		bo.Wait()
	}
	if lastErr == nil {
		lastErr = bo.Err()
	}
	return &TransportError{Endpoint: endpoint, Err: lastErr}
}

func (c *TCPConn) dialAndHandshake(ctx context.Context, endpoint cluster.Endpoint) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	sock, err := dialer.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.DialTimeout)
	if userDeadline, ok := ctx.Deadline(); ok && userDeadline.Before(deadline) {
		deadline = userDeadline
	}
	if err := sock.SetDeadline(deadline); err != nil {
		sock.Close()
		return nil, err
	}

	if err := c.handshake(sock); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.SetDeadline(time.Time{}); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

func (c *TCPConn) handshake(sock net.Conn) error {
	// The STARTUP frame itself is never compressed; compression starts
	// with the first frame after it is negotiated.
	if err := writeRawFrame(sock, c.cfg.Version, cqlproto.OpStartup, 0, cqlproto.StartupBody(c.cfg.Compression)); err != nil {
		return err
	}

	hdr, body, err := c.readRawFrame(sock)
	if err != nil {
		return err
	}
	if hdr.Opcode == cqlproto.OpAuthenticate {
		if err := writeRawFrame(sock, c.cfg.Version, cqlproto.OpCredentials, 0, cqlproto.CredentialsBody(c.cfg.Credentials)); err != nil {
			return err
		}
		if hdr, body, err = c.readRawFrame(sock); err != nil {
			return err
		}
	}

	switch hdr.Opcode {
	case cqlproto.OpReady:
		return nil
	case cqlproto.OpError:
		code, msg, perr := cqlproto.ParseError(body)
		if perr != nil {
			return perr
		}
		return &ProtocolError{Code: code, Message: msg}
	default:
		return errors.Errorf("unexpected %s frame during handshake", hdr.Opcode)
	}
}

func writeRawFrame(sock net.Conn, v cqlproto.Version, op cqlproto.Opcode, stream int, body []byte) error {
	buf, err := cqlproto.AppendHeader(make([]byte, 0, cqlproto.HeaderSize(v)+len(body)), cqlproto.Header{
		Version: v,
		Stream:  stream,
		Opcode:  op,
		Length:  uint32(len(body)),
	})
	if err != nil {
		return err
	}
	_, err = sock.Write(append(buf, body...))
	return err
}

func (c *TCPConn) readRawFrame(sock net.Conn) (cqlproto.Header, []byte, error) {
	hdrBuf := make([]byte, cqlproto.HeaderSize(c.cfg.Version))
	if _, err := io.ReadFull(sock, hdrBuf); err != nil {
		return cqlproto.Header{}, nil, err
	}
	hdr, err := cqlproto.DecodeHeader(hdrBuf)
	if err != nil {
		return cqlproto.Header{}, nil, err
	}
	body := make([]byte, hdr.Length)
	if _, err := io.ReadFull(sock, body); err != nil {
		return cqlproto.Header{}, nil, err
	}
	if hdr.Flags&cqlproto.FlagCompressed != 0 && c.compressor != nil {
		if body, err = c.compressor.Decode(body); err != nil {
			return cqlproto.Header{}, nil, err
		}
	}
	return hdr, body, nil
}

func (c *TCPConn) readLoop() {
	for {
		hdr, body, err := c.readRawFrame(c.sock)
		if err != nil {
			c.teardown(&TransportError{Endpoint: c.endpoint, Err: err})
			return
		}
		if hdr.Stream < 0 {
			// Server-pushed event; the core registers for none.
			level.Debug(c.logger).Log("msg", "dropping server event frame", "opcode", hdr.Opcode)
			continue
		}
		c.dispatch(StreamID(hdr.Stream), hdr.Opcode, body)
	}
}

func (c *TCPConn) dispatch(stream StreamID, op cqlproto.Opcode, body []byte) {
	c.mu.Lock()
	pending, ok := c.calls[stream]
	delete(c.calls, stream)
	c.mu.Unlock()

	c.streams.Release(stream)
	if !ok {
		level.Debug(c.logger).Log("msg", "response for unknown stream", "stream", stream, "opcode", op)
		return
	}

	if op == cqlproto.OpError {
		code, msg, err := cqlproto.ParseError(body)
		if err != nil {
			pending.eb(err)
			return
		}
		pending.eb(&ProtocolError{Code: code, Message: msg})
		return
	}
	pending.cb(Response{Stream: stream, Opcode: op, Body: body})
}

func (c *TCPConn) Query(req Request, cb Callback, eb Errback) (StreamID, error) {
	return c.send(cqlproto.OpQuery, req, cb, eb)
}

func (c *TCPConn) Prepare(req Request, cb Callback, eb Errback) (StreamID, error) {
	return c.send(cqlproto.OpPrepare, req, cb, eb)
}

func (c *TCPConn) Execute(req Request, cb Callback, eb Errback) (StreamID, error) {
	return c.send(cqlproto.OpExecute, req, cb, eb)
}

func (c *TCPConn) send(op cqlproto.Opcode, req Request, cb Callback, eb Errback) (StreamID, error) {
	if !req.Stream.Valid() {
		return InvalidStream, errors.New("request is not bound to a stream")
	}
	if !c.Healthy() {
		return InvalidStream, &TransportError{Endpoint: c.endpoint, Err: errConnClosed}
	}

	var body []byte
	switch op {
	case cqlproto.OpQuery:
		body = cqlproto.QueryBody(c.cfg.Version, req.Statement, req.Consistency)
	case cqlproto.OpPrepare:
		body = cqlproto.PrepareBody(req.Statement)
	case cqlproto.OpExecute:
		body = cqlproto.ExecuteBody(c.cfg.Version, req.PreparedID, req.Consistency)
	}

	flags := byte(0)
	if c.compressor != nil && len(body) > 0 {
		compressed, err := c.compressor.Encode(body)
		if err != nil {
			return InvalidStream, err
		}
		body, flags = compressed, cqlproto.FlagCompressed
	}
	buf, err := cqlproto.AppendHeader(make([]byte, 0, cqlproto.HeaderSize(c.cfg.Version)+len(body)), cqlproto.Header{
		Version: c.cfg.Version,
		Flags:   flags,
		Stream:  int(req.Stream),
		Opcode:  op,
		Length:  uint32(len(body)),
	})
	if err != nil {
		return InvalidStream, err
	}
	buf = append(buf, body...)

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return InvalidStream, &TransportError{Endpoint: c.endpoint, Err: errConnClosed}
	}
	c.calls[req.Stream] = call{cb: cb, eb: eb}
	_, werr := c.sock.Write(buf)
	if werr != nil {
		delete(c.calls, req.Stream)
	}
	c.mu.Unlock()

	if werr != nil {
		c.streams.Release(req.Stream)
		c.teardown(&TransportError{Endpoint: c.endpoint, Err: werr})
		return InvalidStream, &TransportError{Endpoint: c.endpoint, Err: werr}
	}
	return req.Stream, nil
}

// Close tears the connection down and fails every outstanding caller.
// Idempotent.
func (c *TCPConn) Close() error {
	c.teardown(&TransportError{Endpoint: c.endpoint, Err: errConnClosed})
	return nil
}

func (c *TCPConn) teardown(cause error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.healthy.Store(false)

	c.mu.Lock()
	outstanding := c.calls
	c.calls = make(map[StreamID]call)
	c.mu.Unlock()

	if c.sock != nil {
		c.sock.Close()
	}
	for stream, pending := range outstanding {
		c.streams.Release(stream)
		pending.eb(cause)
	}
	if len(outstanding) > 0 {
		level.Info(c.logger).Log("msg", "failed outstanding requests", "count", len(outstanding), "err", cause)
	}
}
