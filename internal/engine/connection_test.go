package engine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/hostbridge/hostbridge/internal/route"
	"github.com/hostbridge/hostbridge/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixedResolver is the engine.Resolver test double: a fixed table of
// route.Route keyed by host, so tests never need a full config.Snapshot.
type fixedResolver struct {
	routes map[string]route.Route
}

func (f fixedResolver) Resolve(host string) (route.Route, error) {
	r, ok := f.routes[route.NormalizeHost(host)]
	if !ok {
		return route.Route{}, route.ErrNotFound
	}
	return r, nil
}

// startUpstream runs a bare net.Listener that answers every connection
// with handle, returning its address and a closer.
func startUpstream(t *testing.T, handle func(net.Conn)) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func upstreamHostPort(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	return host, port
}

// serveOverPipe serves c in the background over an in-memory net.Pipe
// and returns the client side.
func serveOverPipe(t *testing.T, c *Connection) net.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	c.Transport = transport.New(serverSide, transport.Plain)
	go c.Serve(context.Background())
	return clientSide
}

func newTestConnection(resolver Resolver) *Connection {
	return &Connection{
		Resolver:    resolver,
		Dialer:      NewDefaultDialer(),
		IdleTimeout: 2 * time.Second,
		Logger:      zap.NewNop(),
	}
}

func TestProxyHTTPRoundTrip(t *testing.T) {
	addr, closeFn := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		body := "hello from upstream"
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\n%s", len(body), body)
	})
	defer closeFn()

	host, port := upstreamHostPort(addr)
	resolver := fixedResolver{routes: map[string]route.Route{
		"example.com": {Host: "example.com", UpstreamHost: host, UpstreamPort: port},
	}}

	c := newTestConnection(resolver)
	client := serveOverPipe(t, c)
	defer client.Close()

	fmt.Fprint(client, "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxyHTTPUnknownHostReturns404(t *testing.T) {
	resolver := fixedResolver{routes: map[string]route.Route{}}
	c := newTestConnection(resolver)
	client := serveOverPipe(t, c)
	defer client.Close()

	fmt.Fprint(client, "GET / HTTP/1.1\r\nHost: nowhere.example\r\nConnection: close\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyHTTPUpstreamDownReturns502(t *testing.T) {
	// Bind then immediately close, so the address is refusing connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	host, port := upstreamHostPort(addr)
	resolver := fixedResolver{routes: map[string]route.Route{
		"example.com": {Host: "example.com", UpstreamHost: host, UpstreamPort: port},
	}}

	c := newTestConnection(resolver)
	c.IdleTimeout = 500 * time.Millisecond
	client := serveOverPipe(t, c)
	defer client.Close()

	fmt.Fprint(client, "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxyHTTPKeepAliveAcrossRequests(t *testing.T) {
	addr, closeFn := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		body := "ok"
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	})
	defer closeFn()

	host, port := upstreamHostPort(addr)
	resolver := fixedResolver{routes: map[string]route.Route{
		"example.com": {Host: "example.com", UpstreamHost: host, UpstreamPort: port},
	}}

	c := newTestConnection(resolver)
	client := serveOverPipe(t, c)
	defer client.Close()

	reader := bufio.NewReader(client)
	fmt.Fprint(client, "GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp1, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	resp1.Body.Close()
	require.Equal(t, http.StatusOK, resp1.StatusCode)

	fmt.Fprint(client, "GET /b HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	resp2, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestExtractHostStripsPort(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com:8080/", nil)
	require.NoError(t, err)
	req.Host = "example.com:8080"
	require.Equal(t, "example.com", extractHost(req))
}

func TestIsUpgradeRequestRequiresBothHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	require.False(t, isUpgradeRequest(req))

	req.Header.Set("Upgrade", "websocket")
	require.False(t, isUpgradeRequest(req))

	req.Header.Set("Connection", "Upgrade")
	require.True(t, isUpgradeRequest(req))
}

func TestKeepAliveWantedDefaults(t *testing.T) {
	req11, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req11.Proto = "HTTP/1.1"
	req11.ProtoMajor, req11.ProtoMinor = 1, 1
	require.True(t, keepAliveWanted(req11))

	req10 := req11.Clone(context.Background())
	req10.Proto = "HTTP/1.0"
	req10.ProtoMajor, req10.ProtoMinor = 1, 0
	require.False(t, keepAliveWanted(req10))

	req11.Header.Set("Connection", "close")
	require.False(t, keepAliveWanted(req11))
}
