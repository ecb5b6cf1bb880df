// Package route implements the Route Resolver (C2): exact,
// case-insensitive lookup from a Host string to a backend, TLS
// policy, and WebSocket eligibility.
package route

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/hostbridge/hostbridge/internal/config"
)

// ErrNotFound is returned by Resolve when no site matches the given
// host. The engine maps it to a 404 response (spec.md §4.2, §7).
var ErrNotFound = errors.New("route: no matching host")

// TLSPolicy is the two-valued policy the engine actually branches on.
// config.TLSMode's three-way "off"/"auto"/"manual" collapses to this
// at resolve time (spec.md §6: "auto and manual both mean TLS
// required").
type TLSPolicy int

const (
	TLSOff TLSPolicy = iota
	TLSRequired
)

// Route is the resolved mapping for one host: where to dial, whether
// TLS is required, and whether Upgrade requests may be bridged.
type Route struct {
	Host             string
	UpstreamHost     string
	UpstreamPort     string
	TLS              TLSPolicy
	WebSocketAllowed bool
}

// UpstreamAddr returns the dial target in host:port form.
func (r Route) UpstreamAddr() string {
	return net.JoinHostPort(r.UpstreamHost, r.UpstreamPort)
}

// Resolver holds a reference to the current configuration snapshot and
// answers host lookups against it. The snapshot it holds never
// changes: a reload builds a new Resolver from the new snapshot, and a
// Resolver handed to an in-flight connection before that keeps
// resolving against the old one, per spec.md §5 ("in-flight
// connections keep the snapshot they began with").
type Resolver struct {
	snapshot *config.Snapshot
	byHost   map[string]Route
}

// New builds a Resolver from a configuration snapshot, parsing each
// site's "host:port" backend once so Resolve never fails on malformed
// upstream addresses later.
func New(snapshot *config.Snapshot) (*Resolver, error) {
	byHost := make(map[string]Route, len(snapshot.Sites))
	for _, s := range snapshot.Sites {
		host, port, err := net.SplitHostPort(s.Backend)
		if err != nil {
			return nil, fmt.Errorf("route: site %q has invalid backend %q: %w", s.Domain, s.Backend, err)
		}
		policy := TLSOff
		if s.TLS == config.TLSAuto || s.TLS == config.TLSManual {
			policy = TLSRequired
		}
		byHost[s.Domain] = Route{
			Host:             s.Domain,
			UpstreamHost:     host,
			UpstreamPort:     port,
			TLS:              policy,
			WebSocketAllowed: s.WebSocket,
		}
	}
	return &Resolver{snapshot: snapshot, byHost: byHost}, nil
}

// Resolve looks up a route by host, stripping any ":port" suffix and
// comparing case-insensitively as ASCII, exactly as spec.md §4.2 and
// §6 require. It returns ErrNotFound if nothing matches.
func (r *Resolver) Resolve(host string) (Route, error) {
	host = NormalizeHost(host)
	route, ok := r.byHost[host]
	if !ok {
		return Route{}, ErrNotFound
	}
	return route, nil
}

// FirstTLSHost returns the first configured TLS-required host, used
// as the deterministic SNI fallback when a TLS ClientHello carries no
// server_name extension (spec.md §4.4).
func (r *Resolver) FirstTLSHost() (string, bool) {
	for _, s := range r.snapshot.Sites {
		if s.TLS == config.TLSAuto || s.TLS == config.TLSManual {
			return s.Domain, true
		}
	}
	return "", false
}

// NormalizeHost strips an optional ":port" suffix and lowercases the
// remainder, the canonical form Host headers and SNI values are
// compared in.
func NormalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
