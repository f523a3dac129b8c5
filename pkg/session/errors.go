package session

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/cqlpool/pkg/cluster"
)

// ErrSessionClosed is returned by every operation after Close.
var ErrSessionClosed = errors.New("session is closed")

// errTooManyConns is the internal allocation-refused result; the
// connect walk catches it and moves to the next host. Never surfaced.
var errTooManyConns = errors.New("too many connections per host")

// libraryErrMessage is the exact message carried by the pre-completed
// future when no viable connection exists.
const libraryErrMessage = "could not obtain viable client from the pool."

// NoHostAvailableError reports an exhausted query plan, with the hosts
// that were actually attempted.
type NoHostAvailableError struct {
	Tried []cluster.Endpoint
}

func (e *NoHostAvailableError) Error() string {
	if len(e.Tried) == 0 {
		return "no host is available according to load balancing policy"
	}
	tried := make([]string, 0, len(e.Tried))
	for _, ep := range e.Tried {
		tried = append(tried, ep.String())
	}
	return fmt.Sprintf("no host is available according to load balancing policy (tried %s)", strings.Join(tried, ", "))
}

// LibraryError is a driver-side failure completing a future-returning
// call; the call itself never fails.
type LibraryError struct {
	Message string
	Cause   error
}

func (e *LibraryError) Error() string { return e.Message }

func (e *LibraryError) Unwrap() error { return e.Cause }
