package engine

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/hostbridge/hostbridge/internal/route"
	"github.com/stretchr/testify/require"
)

func TestBridgeRelaysBytesAfterUpgrade(t *testing.T) {
	addr, closeFn := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		reader := bufio.NewReader(conn)
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.Body.Close()
		fmt.Fprint(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")

		buf := make([]byte, 5)
		if _, err := reader.Read(buf); err != nil {
			return
		}
		fmt.Fprint(conn, "reply")
	})
	defer closeFn()

	host, port := upstreamHostPort(addr)
	resolver := fixedResolver{routes: map[string]route.Route{
		"example.com": {Host: "example.com", UpstreamHost: host, UpstreamPort: port, WebSocketAllowed: true},
	}}

	c := newTestConnection(resolver)
	c.IdleTimeout = 2 * time.Second
	client := serveOverPipe(t, c)
	defer client.Close()

	fmt.Fprint(client, "GET /ws HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")

	reader := bufio.NewReader(client)
	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	out := make([]byte, 5)
	_, err = reader.Read(out)
	require.NoError(t, err)
	require.Equal(t, "reply", string(out))
}

func TestBridgeForwardsUpstreamRefusal(t *testing.T) {
	addr, closeFn := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		body := "nope"
		fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	})
	defer closeFn()

	host, port := upstreamHostPort(addr)
	resolver := fixedResolver{routes: map[string]route.Route{
		"example.com": {Host: "example.com", UpstreamHost: host, UpstreamPort: port, WebSocketAllowed: true},
	}}

	c := newTestConnection(resolver)
	client := serveOverPipe(t, c)
	defer client.Close()

	fmt.Fprint(client, "GET /ws HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDrainBufferedReturnsUnreadBytes(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go func() { _, _ = clientSide.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nleftover")) }()

	reader := bufio.NewReaderSize(serverSide, 4096)
	req, err := http.ReadRequest(reader)
	require.NoError(t, err)
	req.Body.Close()

	var drained []byte
	require.Eventually(t, func() bool {
		drained = drainBuffered(reader)
		return len(drained) == len("leftover")
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "leftover", string(drained))
}
