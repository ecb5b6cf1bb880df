package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownClosesPlainConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tr := New(server, Plain)
	require.NoError(t, tr.Shutdown())

	// The peer should now observe a closed pipe.
	_, err := client.Write([]byte("x"))
	require.Error(t, err)
}

func TestShutdownIsIdempotentAndNilSafe(t *testing.T) {
	var nilTransport *Transport
	require.NoError(t, nilTransport.Shutdown())

	client, server := net.Pipe()
	defer client.Close()
	tr := New(server, Plain)
	require.NoError(t, tr.Shutdown())
	require.NoError(t, tr.Shutdown())
}

// halfCloseConn implements halfCloser on top of net.Pipe so Shutdown's
// CloseWrite branch can be exercised without a real TCP socket.
type halfCloseConn struct {
	net.Conn
	closedWrite bool
}

func (h *halfCloseConn) CloseWrite() error {
	h.closedWrite = true
	return nil
}

func TestShutdownCallsCloseWriteWhenAvailable(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	hc := &halfCloseConn{Conn: server}
	tr := New(hc, Plain)
	require.NoError(t, tr.Shutdown())
	require.True(t, hc.closedWrite)
}

func TestTransportDelegatesDeadlines(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := New(server, TLS)
	require.NoError(t, tr.SetDeadline(time.Now().Add(time.Second)))
	require.Equal(t, TLS, tr.Kind)
}
