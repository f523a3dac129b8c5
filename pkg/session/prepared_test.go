package session

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/conn"
	"github.com/grafana/cqlpool/pkg/cqlproto"
)

func preparedResultBody(id []byte) []byte {
	body := binary.BigEndian.AppendUint32(nil, uint32(cqlproto.ResultPrepared))
	body = binary.BigEndian.AppendUint16(body, uint16(len(id)))
	return append(body, id...)
}

// respondWith wires every connection the factory has made so far to answer
// immediately with the given opcode and body, releasing the stream the
// way the real reader loop does.
func respondWith(ff *fakeFactory, opcode cqlproto.Opcode, body []byte) {
	respond := func(c *fakeConn) func(conn.Request, conn.Callback, conn.Errback) {
		return func(req conn.Request, cb conn.Callback, _ conn.Errback) {
			c.ReleaseStream(req.Stream)
			cb(conn.Response{Stream: req.Stream, Opcode: opcode, Body: body})
		}
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	for _, c := range ff.made {
		c.respond = respond(c)
	}
}

func TestPrepareAsyncInternsStatement(t *testing.T) {
	hostA := cluster.NewHost(epA, "dc1", "r1")
	ff := &fakeFactory{}
	s := newTestSession(t, defaultPooling(), &stubPolicy{hosts: []*cluster.Host{hostA}}, ff.factory, Callbacks{})

	require.NoError(t, s.Init(context.Background()))
	stmtID := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	respondWith(ff, cqlproto.OpResult, preparedResultBody(stmtID))

	const stmt = "SELECT value FROM table WHERE hash = ?"
	res, err := s.PrepareAsync(context.Background(), stmt).Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Prepared)
	assert.Equal(t, stmtID, res.Prepared.ID)
	assert.Equal(t, stmt, res.Prepared.Statement)

	dispatched := len(ff.made[0].recorded())

	// A second prepare of the same statement is served from the
	// registry without touching a connection.
	res2, err := s.PrepareAsync(context.Background(), stmt).Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, res.Prepared, res2.Prepared)
	assert.Len(t, ff.made[0].recorded(), dispatched)
}

func TestExecuteDispatchesPreparedID(t *testing.T) {
	hostA := cluster.NewHost(epA, "dc1", "r1")
	ff := &fakeFactory{}
	s := newTestSession(t, defaultPooling(), &stubPolicy{hosts: []*cluster.Host{hostA}}, ff.factory, Callbacks{})

	require.NoError(t, s.Init(context.Background()))
	respondWith(ff, cqlproto.OpResult, binary.BigEndian.AppendUint32(nil, uint32(cqlproto.ResultVoid)))

	prepared := &PreparedStatement{ID: []byte{0x01, 0x02}, Statement: "UPDATE t SET v = ? WHERE k = ?"}
	res, err := s.ExecuteAsync(context.Background(), prepared).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cqlproto.OpResult, res.Opcode)

	reqs := ff.made[0].recorded()
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	assert.Equal(t, prepared.ID, last.PreparedID)
	assert.Empty(t, last.Statement)
	assert.True(t, last.Stream.Valid())
}

func TestExecuteRejectsEmptyHandle(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSession(t, defaultPooling(), &stubPolicy{}, ff.factory, Callbacks{})

	_, err := s.Execute(context.Background(), nil, func(conn.Response) {}, func(error) {})
	require.Error(t, err)
	_, err = s.Execute(context.Background(), &PreparedStatement{}, func(conn.Response) {}, func(error) {})
	require.Error(t, err)
}
