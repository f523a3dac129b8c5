package conn

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/cqlproto"
)

// fakeServer speaks just enough protocol v2 to handshake and answer
// request frames through a settable handler.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	authWith map[string]string

	// handler returns the response opcode and body; closeConn drops
	// the connection instead of responding.
	hmu     sync.Mutex
	handler func(hdr cqlproto.Header, body []byte) (op cqlproto.Opcode, resp []byte, closeConn bool)

	wg sync.WaitGroup
}

func (s *fakeServer) setHandler(h func(cqlproto.Header, []byte) (cqlproto.Opcode, []byte, bool)) {
	s.hmu.Lock()
	s.handler = h
	s.hmu.Unlock()
}

func (s *fakeServer) getHandler() func(cqlproto.Header, []byte) (cqlproto.Opcode, []byte, bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return s.handler
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		t:  t,
		ln: ln,
		handler: func(hdr cqlproto.Header, _ []byte) (cqlproto.Opcode, []byte, bool) {
			return cqlproto.OpResult, []byte{0, 0, 0, 1}, false
		},
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) endpoint() cluster.Endpoint {
	addr := s.ln.Addr().(*net.TCPAddr)
	return cluster.NewEndpoint(addr.IP.String(), addr.Port)
}

func (s *fakeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(sock)
	}
}

func (s *fakeServer) serve(sock net.Conn) {
	defer s.wg.Done()
	defer sock.Close()

	hdr, _, err := readServerFrame(sock)
	if err != nil || hdr.Opcode != cqlproto.OpStartup {
		return
	}
	if s.authWith != nil {
		if err := writeServerFrame(sock, hdr.Stream, cqlproto.OpAuthenticate, nil); err != nil {
			return
		}
		credHdr, credBody, err := readServerFrame(sock)
		if err != nil || credHdr.Opcode != cqlproto.OpCredentials {
			return
		}
		want := cqlproto.CredentialsBody(s.authWith)
		if len(credBody) != len(want) {
			return
		}
	}
	if err := writeServerFrame(sock, hdr.Stream, cqlproto.OpReady, nil); err != nil {
		return
	}

	for {
		hdr, body, err := readServerFrame(sock)
		if err != nil {
			return
		}
		op, resp, closeConn := s.getHandler()(hdr, body)
		if closeConn {
			return
		}
		if err := writeServerFrame(sock, hdr.Stream, op, resp); err != nil {
			return
		}
	}
}

func readServerFrame(sock net.Conn) (cqlproto.Header, []byte, error) {
	buf := make([]byte, cqlproto.HeaderSize(cqlproto.Version2))
	if _, err := io.ReadFull(sock, buf); err != nil {
		return cqlproto.Header{}, nil, err
	}
	hdr, err := cqlproto.DecodeHeader(buf)
	if err != nil {
		return cqlproto.Header{}, nil, err
	}
	body := make([]byte, hdr.Length)
	if _, err := io.ReadFull(sock, body); err != nil {
		return cqlproto.Header{}, nil, err
	}
	if hdr.Flags&cqlproto.FlagCompressed != 0 {
		if body, err = (cqlproto.SnappyCompressor{}).Decode(body); err != nil {
			return cqlproto.Header{}, nil, err
		}
	}
	return hdr, body, nil
}

func writeServerFrame(sock net.Conn, stream int, op cqlproto.Opcode, body []byte) error {
	buf, err := cqlproto.AppendHeader(nil, cqlproto.Header{
		Version:  cqlproto.Version2,
		Response: true,
		Stream:   stream,
		Opcode:   op,
		Length:   uint32(len(body)),
	})
	if err != nil {
		return err
	}
	_, err = sock.Write(append(buf, body...))
	return err
}

func errorBody(code uint32, message string) []byte {
	body := []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
	body = append(body, byte(len(message)>>8), byte(len(message)))
	return append(body, message...)
}

func testConfig() Config {
	return Config{
		Version:     cqlproto.Version2,
		DialTimeout: time.Second,
		Reconnect: backoff.Config{
			MinBackoff: 5 * time.Millisecond,
			MaxBackoff: 10 * time.Millisecond,
			MaxRetries: 1,
		},
	}
}

func dialTestConn(t *testing.T, cfg Config, endpoint cluster.Endpoint) Conn {
	t.Helper()
	factory, err := NewFactory(cfg, log.NewNopLogger())
	require.NoError(t, err)
	c := factory()
	require.NoError(t, c.Connect(context.Background(), endpoint))
	t.Cleanup(func() { c.Close() })
	return c
}

func runQuery(t *testing.T, c Conn, stmt string) (Response, error) {
	t.Helper()
	stream := c.AcquireStream()
	require.True(t, stream.Valid())

	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)
	_, err := c.Query(Request{Stream: stream, Statement: stmt, Consistency: cqlproto.Quorum},
		func(resp Response) { respCh <- resp },
		func(err error) { errCh <- err },
	)
	require.NoError(t, err)

	select {
	case resp := <-respCh:
		return resp, nil
	case err := <-errCh:
		return Response{}, err
	case <-time.After(5 * time.Second):
		t.Fatal("no response within deadline")
		return Response{}, nil
	}
}

func TestConnectAndQueryRoundtrip(t *testing.T) {
	server := newFakeServer(t)
	c := dialTestConn(t, testConfig(), server.endpoint())

	require.True(t, c.Healthy())
	assert.Equal(t, server.endpoint(), c.Endpoint())

	resp, err := runQuery(t, c, "SELECT release_version FROM system.local")
	require.NoError(t, err)
	assert.Equal(t, cqlproto.OpResult, resp.Opcode)
	assert.Equal(t, []byte{0, 0, 0, 1}, resp.Body)

	assert.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, 10*time.Millisecond,
		"the stream is released once the response is routed")
}

func TestServerErrorFailsOnlyThatStream(t *testing.T) {
	server := newFakeServer(t)

	var queries atomic.Int32
	server.setHandler(func(hdr cqlproto.Header, _ []byte) (cqlproto.Opcode, []byte, bool) {
		if queries.Inc() == 1 {
			return cqlproto.OpError, errorBody(0x2200, "unconfigured table"), false
		}
		return cqlproto.OpResult, nil, false
	})

	c := dialTestConn(t, testConfig(), server.endpoint())

	_, err := runQuery(t, c, "SELECT * FROM missing")
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, int32(0x2200), protoErr.Code)
	assert.Equal(t, "unconfigured table", protoErr.Message)

	require.True(t, c.Healthy(), "a per-stream error does not poison the connection")
	_, err = runQuery(t, c, "SELECT * FROM present")
	require.NoError(t, err)
}

func TestSocketDropFailsOutstandingCallers(t *testing.T) {
	server := newFakeServer(t)
	server.setHandler(func(cqlproto.Header, []byte) (cqlproto.Opcode, []byte, bool) {
		return 0, nil, true
	})

	c := dialTestConn(t, testConfig(), server.endpoint())

	_, err := runQuery(t, c, "SELECT 1")
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.False(t, c.Healthy())
	assert.Equal(t, 0, c.InFlight())

	// Terminal state: new work is refused.
	stream := c.AcquireStream()
	_, err = c.Query(Request{Stream: stream}, func(Response) {}, func(error) {})
	require.Error(t, err)
}

func TestConnectFailsAfterReconnectBudget(t *testing.T) {
	// Grab a port, then close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.Reconnect.MaxRetries = 2
	factory, err := NewFactory(cfg, log.NewNopLogger())
	require.NoError(t, err)

	c := factory()
	err = c.Connect(context.Background(), cluster.NewEndpoint(addr.IP.String(), addr.Port))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.False(t, c.Healthy())
}

func TestAuthenticatedHandshake(t *testing.T) {
	creds := map[string]string{"username": "cassandra", "password": "cassandra"}
	server := newFakeServer(t)
	server.authWith = creds

	cfg := testConfig()
	cfg.Credentials = creds
	c := dialTestConn(t, cfg, server.endpoint())
	require.True(t, c.Healthy())
}

func TestCompressedQueryRoundtrip(t *testing.T) {
	server := newFakeServer(t)

	var sawCompressed atomic.Bool
	server.setHandler(func(hdr cqlproto.Header, body []byte) (cqlproto.Opcode, []byte, bool) {
		if hdr.Flags&cqlproto.FlagCompressed != 0 && len(body) > 0 {
			sawCompressed.Store(true)
		}
		return cqlproto.OpResult, nil, false
	})

	cfg := testConfig()
	cfg.Compression = "snappy"
	c := dialTestConn(t, cfg, server.endpoint())

	_, err := runQuery(t, c, "SELECT value FROM t WHERE k = 'a-long-enough-statement-to-compress'")
	require.NoError(t, err)
	assert.True(t, sawCompressed.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	server := newFakeServer(t)
	c := dialTestConn(t, testConfig(), server.endpoint())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Healthy())
}
