package session

import (
	"context"
	"sync"

	"github.com/grafana/cqlpool/pkg/conn"
	"github.com/grafana/cqlpool/pkg/cqlproto"
)

// Result is the outcome of a future-returning call.
type Result struct {
	Stream conn.StreamID
	Opcode cqlproto.Opcode
	Body   []byte

	// Prepared is set for PrepareAsync results.
	Prepared *PreparedStatement
}

// Future carries the eventual result of an asynchronous call. Exactly
// one completion wins; later ones are dropped.
type Future struct {
	once sync.Once
	done chan struct{}
	res  *Result
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func newErrFuture(err error) *Future {
	f := newFuture()
	f.complete(nil, err)
	return f
}

func (f *Future) complete(res *Result, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Wait blocks until the future completes or ctx expires.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports without blocking whether the future has completed.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
