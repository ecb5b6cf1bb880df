// Package transport implements the "dual-mode transport" design note:
// a single polymorphic handle over a plaintext-or-TLS net.Conn, so the
// connection engine is written against one type regardless of which
// variant backs it.
package transport

import (
	"net"
)

// halfCloser is implemented by both *net.TCPConn and *tls.Conn; it
// lets Shutdown perform a proper write-then-read half-close instead of
// an abrupt full close.
type halfCloser interface {
	CloseWrite() error
}

// Transport wraps a net.Conn — plaintext or TLS-wrapped — behind one
// handle exposing exactly the capability set the engine needs: read,
// write, and an orderly two-phase shutdown. Kind records which variant
// this is, for logging and metrics only; the engine never branches on
// it for correctness.
type Transport struct {
	net.Conn
	Kind Kind
}

// Kind distinguishes a plaintext transport from a TLS-terminated one.
type Kind int

const (
	Plain Kind = iota
	TLS
)

// New wraps conn as a Transport of the given kind.
func New(conn net.Conn, kind Kind) *Transport {
	return &Transport{Conn: conn, Kind: kind}
}

// Shutdown closes the transport for write first (so the peer observes
// an orderly EOF instead of a reset) and then fully closes it,
// satisfying spec.md §4.5 invariant 2: "both transports ... are shut
// down for write and then read; sockets are never leaked." Shutdown is
// safe to call more than once and on a nil-backed zero value.
func (t *Transport) Shutdown() error {
	if t == nil || t.Conn == nil {
		return nil
	}
	if hc, ok := t.Conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	return t.Conn.Close()
}
