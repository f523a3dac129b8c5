// Package conn implements one multiplexed CQL connection: the stream-id
// allocator, the request/response plumbing, and the TCP implementation
// with its handshake and reconnect budget.
package conn

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/cqlproto"
)

// Request is one outgoing operation, already bound to a stream by the
// session. Exactly one of Statement or PreparedID is set.
type Request struct {
	Stream      StreamID
	Statement   string
	PreparedID  []byte
	Consistency cqlproto.Consistency
}

// Response is a demultiplexed server reply for one stream.
type Response struct {
	Stream StreamID
	Opcode cqlproto.Opcode
	Body   []byte
}

// Callback receives the response for a stream; Errback receives its
// failure. Exactly one of the two fires per dispatched request.
type (
	Callback func(Response)
	Errback  func(error)
)

// Conn is the session's view of one connection. The production
// implementation is TCPConn; tests substitute fakes.
type Conn interface {
	ID() uuid.UUID
	Endpoint() cluster.Endpoint

	// Connect dials and performs the handshake. It either succeeds or
	// returns an error after the reconnect budget is spent; exactly one
	// outcome per call.
	Connect(ctx context.Context, endpoint cluster.Endpoint) error

	// Healthy is false once the socket errored, the peer sent a fatal
	// frame, or Close was called.
	Healthy() bool
	// Busy reports inflight >= threshold.
	Busy(threshold int) bool
	// Free reports inflight <= threshold.
	Free(threshold int) bool

	AcquireStream() StreamID
	ReleaseStream(id StreamID) bool
	InFlight() int
	AvailableStreams() int

	Query(req Request, cb Callback, eb Errback) (StreamID, error)
	Prepare(req Request, cb Callback, eb Errback) (StreamID, error)
	Execute(req Request, cb Callback, eb Errback) (StreamID, error)

	// Close is idempotent and fails all outstanding callers with a
	// transport error.
	Close() error
}

// Factory manufactures a fresh, unconnected Conn. Supplied at session
// construction.
type Factory func() Conn

// TransportError covers socket failures, failed handshakes, and
// connections closed with requests still in flight. Every outstanding
// caller on the connection receives it.
type TransportError struct {
	Endpoint cluster.Endpoint
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed server ERROR frame. Only the stream it
// names fails; the connection stays usable.
type ProtocolError struct {
	Code    int32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", e.Code, e.Message)
}
