// Package engine implements the Connection Engine (C5): the
// per-connection state machine from spec.md §4.5 that reads a
// request, resolves a route, dials an upstream, forwards request and
// response (including streaming Upgrade traffic), and tears both
// transports down deterministically.
package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/internal/metrics"
	"github.com/hostbridge/hostbridge/internal/route"
	"github.com/hostbridge/hostbridge/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// state names the connection's position in the spec.md §4.5 diagram.
// The engine is still a flat, linear routine per the "Callback chains"
// design note — state is recorded only for logging and tests, never
// used to dispatch control flow through a shared handler object.
type state int

const (
	stateAccepted state = iota
	stateTLSHandshaking
	stateRequestRead
	stateRouted
	stateDialing
	stateForwardingRequest
	stateReadingUpstream
	stateForwardingResponse
	stateUpgradingClient
	stateUpgradingUpstream
	stateBridging
	stateErrorResponding
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAccepted:
		return "Accepted"
	case stateTLSHandshaking:
		return "TlsHandshaking"
	case stateRequestRead:
		return "RequestRead"
	case stateRouted:
		return "Routed"
	case stateDialing:
		return "Dialing"
	case stateForwardingRequest:
		return "ForwardingRequest"
	case stateReadingUpstream:
		return "ReadingUpstream"
	case stateForwardingResponse:
		return "ForwardingResponse"
	case stateUpgradingClient:
		return "UpgradingClient"
	case stateUpgradingUpstream:
		return "UpgradingUpstream"
	case stateBridging:
		return "Bridging"
	case stateErrorResponding:
		return "ErrorResponding"
	case stateClosed:
		return "Closed"
	}
	return "Unknown"
}

// Resolver is the subset of route.Resolver the engine depends on, kept
// as an interface so tests can supply a fixed routing table without a
// config.Snapshot.
type Resolver interface {
	Resolve(host string) (route.Route, error)
}

// Dialer abstracts upstream connection establishment so tests can
// substitute net.Pipe-backed fakes for real TCP dials.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connection runs the state machine for a single accepted socket. A
// Connection is used once: Serve consumes it and it is never reused.
type Connection struct {
	Transport    *transport.Transport
	Resolver     Resolver
	Dialer       Dialer
	IdleTimeout  time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	ServerHeader string

	// TLSConfig, if set, means this connection must complete a TLS
	// handshake before any request can be read.
	TLSConfig *tls.Config

	state        state
	responseSent bool
	clientReader *bufio.Reader
}

var errIdleTimeout = errors.New("engine: idle timeout")

// Serve drives the connection to completion. It never panics on a
// peer error: every reachable failure is logged (if it merits a log
// line) and converted into a state transition toward Closed. Serve
// returns once both transports are shut down.
func (c *Connection) Serve(ctx context.Context) {
	start := time.Now()
	c.setState(stateAccepted)
	defer func() {
		c.setState(stateClosed)
		_ = c.Transport.Shutdown()
		if c.Metrics != nil {
			c.Metrics.ConnectionClosed(time.Since(start).Seconds())
		}
	}()

	if c.TLSConfig != nil {
		if err := c.handshake(); err != nil {
			c.logf(zap.WarnLevel, "tls handshake failed", zap.Error(err))
			return
		}
	}

	c.clientReader = bufio.NewReader(c.Transport)
	for {
		keepAlive, err := c.serveOneRequest(ctx)
		if err != nil {
			return
		}
		if !keepAlive {
			return
		}
	}
}

func (c *Connection) handshake() error {
	c.setState(stateTLSHandshaking)
	tlsConn := tls.Server(c.Transport.Conn, c.TLSConfig)
	deadline := time.Now().Add(c.IdleTimeout)
	_ = tlsConn.SetDeadline(deadline)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	c.Transport = transport.New(tlsConn, transport.TLS)
	return nil
}

// serveOneRequest reads one HTTP request and drives it to completion,
// returning whether the client transport should be kept open for a
// subsequent request.
func (c *Connection) serveOneRequest(ctx context.Context) (keepAlive bool, err error) {
	c.setState(stateRequestRead)
	c.responseSent = false
	_ = c.Transport.SetReadDeadline(time.Now().Add(c.IdleTimeout))
	req, err := http.ReadRequest(c.clientReader)
	if err != nil {
		if err == io.EOF {
			return false, err
		}
		return false, err
	}
	_ = c.Transport.SetReadDeadline(time.Time{})
	defer req.Body.Close()

	c.setState(stateRouted)
	host := extractHost(req)
	if host == "" {
		c.writeErrorResponse(req, http.StatusBadRequest, "Missing Host header")
		return false, nil
	}

	rt, err := c.Resolver.Resolve(host)
	if err != nil {
		if errors.Is(err, route.ErrNotFound) {
			if c.Metrics != nil {
				c.Metrics.RouteMiss()
			}
			c.writeErrorResponse(req, http.StatusNotFound, "No route for host")
			return false, nil
		}
		c.writeErrorResponse(req, http.StatusBadGateway, "Routing error")
		return false, nil
	}

	if isUpgradeRequest(req) && rt.WebSocketAllowed {
		c.bridge(ctx, req, rt)
		return false, nil
	}

	return c.proxyHTTP(ctx, req, rt)
}

// extractHost returns the canonical target host: the Host header with
// any ":port" suffix stripped, per spec.md's data model for
// Request/Response frames.
func extractHost(req *http.Request) string {
	host := req.Host
	if host == "" {
		host = req.Header.Get("Host")
	}
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// isUpgradeRequest reports whether req carries a Connection: Upgrade
// header alongside an Upgrade header, the GLOSSARY's definition.
func isUpgradeRequest(req *http.Request) bool {
	if req.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "Upgrade") {
				return true
			}
		}
	}
	return false
}

// keepAliveWanted implements spec.md §4.5 invariant 4: HTTP/1.1
// defaults to keep-alive, HTTP/1.0 defaults to close, and an explicit
// "Connection: close" always forces close.
func keepAliveWanted(req *http.Request) bool {
	for _, v := range req.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "close") {
				return false
			}
		}
	}
	return req.ProtoAtLeast(1, 1)
}

func (c *Connection) setState(s state) {
	c.state = s
}

func (c *Connection) logf(level zapcore.Level, msg string, fields ...zap.Field) {
	if c.Logger == nil {
		return
	}
	ce := c.Logger.Check(level, msg)
	if ce != nil {
		ce.Write(append(fields, zap.String("state", c.state.String()))...)
	}
}
