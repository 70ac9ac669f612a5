package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgraph/mediabroker/pkg/transport"
)

type stubDispatcher struct{ calls []uint32 }

func (d *stubDispatcher) Dispatch(opcode uint32, payload []byte, resolveFD func(int) (int, error)) error {
	d.calls = append(d.calls, opcode)
	return nil
}

func TestBindAndLookup(t *testing.T) {
	conn := &ClientConnection{table: make(map[uint32]*Resource)}
	r := &Resource{ID: 0, Type: TypeCore, Dispatcher: &stubDispatcher{}}
	require.NoError(t, conn.Bind(r))

	got, ok := conn.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, r, got)
}

func TestBindIdConflict(t *testing.T) {
	conn := &ClientConnection{table: make(map[uint32]*Resource)}
	require.NoError(t, conn.Bind(&Resource{ID: 1, Dispatcher: &stubDispatcher{}}))
	err := conn.Bind(&Resource{ID: 1, Dispatcher: &stubDispatcher{}})
	assert.Error(t, err)
}

func TestDispatchUnknownID(t *testing.T) {
	conn := &ClientConnection{table: make(map[uint32]*Resource)}
	err := Dispatch(conn, 42, 0, nil, nil)
	assert.Error(t, err)
}

func TestDispatchRoutesToResource(t *testing.T) {
	conn := &ClientConnection{table: make(map[uint32]*Resource)}
	d := &stubDispatcher{}
	require.NoError(t, conn.Bind(&Resource{ID: 3, Dispatcher: d}))

	require.NoError(t, Dispatch(conn, 3, 7, []byte{1, 2, 3}, nil))
	assert.Equal(t, []uint32{7}, d.calls)
}

func TestCloseReleasesAllIDs(t *testing.T) {
	// Close also closes the transport, so give it a live socket.
	addr := &net.UnixAddr{Name: t.TempDir() + "/registry-test.sock", Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	defer ln.Close()
	peer, err := net.DialUnix("unix", nil, addr)
	require.NoError(t, err)
	defer peer.Close()
	uc, err := ln.AcceptUnix()
	require.NoError(t, err)

	conn := NewClientConnection(transport.NewConn(uc, nil), nil)
	require.NoError(t, conn.Bind(&Resource{ID: 1, Dispatcher: &stubDispatcher{}}))
	require.NoError(t, conn.Bind(&Resource{ID: 2, Dispatcher: &stubDispatcher{}}))

	require.NoError(t, conn.Close())

	_, ok := conn.Lookup(1)
	assert.False(t, ok)
	_, ok = conn.Lookup(2)
	assert.False(t, ok)
}
