package transport

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamgraph/mediabroker/pkg/wire"
)

// newLoopback builds a connected pair of Conns backed by a real Unix
// domain socket so ancillary FD passing exercises the kernel, not a mock.
func newLoopback(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	dir := t.TempDir()
	sockPath := dir + "/mediabroker-test.sock"
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()

	clientConn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	serverConn := <-serverCh
	require.NotNil(t, serverConn)

	cUnix, ok := clientConn.(*net.UnixConn)
	require.True(t, ok)
	sUnix, ok := serverConn.(*net.UnixConn)
	require.True(t, ok)

	return NewConn(cUnix, nil), NewConn(sUnix, nil)
}

func TestFramedRoundTrip(t *testing.T) {
	client, server := newLoopback(t)
	defer client.Close()
	defer server.Close()

	b := wire.NewBuilder(client.Writer(), client)
	f := b.OpenStruct()
	b.WriteInt(7)
	b.CloseStruct(f)
	require.NoError(t, client.EndWrite(0, 1, client.Writer().Len()))
	require.NoError(t, client.Flush())

	msgs, err := server.Poll()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.EqualValues(t, 0, msgs[0].DestID)
	require.EqualValues(t, 1, msgs[0].Opcode)

	it, err := wire.NewIterator(msgs[0].Payload)
	require.NoError(t, err)
	v, err := it.GetInt()
	require.NoError(t, err)
	require.EqualValues(t, 7, v)
}

func TestFDPassing(t *testing.T) {
	client, server := newLoopback(t)
	defer client.Close()
	defer server.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "fd-passing")
	require.NoError(t, err)
	defer tmp.Close()

	b := wire.NewBuilder(client.Writer(), client)
	f := b.OpenStruct()
	_, err = b.WriteFD(int(tmp.Fd()))
	require.NoError(t, err)
	b.CloseStruct(f)
	require.NoError(t, client.EndWrite(5, 6, client.Writer().Len()))
	require.NoError(t, client.Flush())

	msgs, err := server.Poll()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	it, err := wire.NewIterator(msgs[0].Payload)
	require.NoError(t, err)
	fd, err := it.GetFD(fdResolverFunc(msgs[0].ResolveFD))
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)
}

type fdResolverFunc func(idx int) (int, error)

func (f fdResolverFunc) ResolveFD(idx int) (int, error) { return f(idx) }
