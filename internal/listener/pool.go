// Package listener implements the Listener Pool (C4): it binds the
// plaintext and TLS accept sockets spec.md §4.4 describes, bounds the
// number of connections being served at once, and hands each accepted
// socket to a fresh engine.Connection.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/hostbridge/hostbridge/internal/certs"
	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/engine"
	"github.com/hostbridge/hostbridge/internal/metrics"
	"github.com/hostbridge/hostbridge/internal/route"
	"github.com/hostbridge/hostbridge/internal/transport"
	"go.uber.org/zap"
)

// version is reported in the Server response header as
// "hostbridge/<version>", per spec.md §6.
const version = "0.1.0"

// Pool owns one accept loop per configured address (plaintext and, if
// any site requires it, TLS) and the semaphore that bounds how many
// connections the engine serves concurrently.
type Pool struct {
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Certs     certs.Provider
	NewDialer func() engine.Dialer

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// Serve binds the HTTP listener and, when at least one site requires
// TLS, the HTTPS listener, then blocks accepting connections on both
// until ctx is cancelled. state is read fresh (via stateFn) for every
// accepted connection, so a config reload takes effect for the very
// next connection without restarting the listeners themselves
// (spec.md §5: "in-flight connections keep the snapshot they began
// with").
func (p *Pool) Serve(ctx context.Context, stateFn func() (*config.Snapshot, *route.Resolver)) error {
	snapshot, _ := stateFn()

	httpLn, err := net.Listen("tcp", ":"+snapshot.HTTPPort)
	if err != nil {
		return err
	}
	p.track(httpLn)

	sem := make(chan struct{}, snapshot.MaxConns)

	p.wg.Add(1)
	go p.acceptLoop(ctx, httpLn, sem, transport.Plain, nil, stateFn)

	if needsTLS(snapshot) {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				return p.certificateFor(hello, stateFn)
			},
		}
		httpsLn, err := net.Listen("tcp", ":"+snapshot.HTTPSPort)
		if err != nil {
			_ = httpLn.Close()
			return err
		}
		p.track(httpsLn)

		p.wg.Add(1)
		go p.acceptLoop(ctx, httpsLn, sem, transport.TLS, tlsConfig, stateFn)
	}

	<-ctx.Done()
	p.closeAll()
	p.wg.Wait()
	return ctx.Err()
}

func needsTLS(snapshot *config.Snapshot) bool {
	for _, s := range snapshot.Sites {
		if s.TLS != config.TLSOff {
			return true
		}
	}
	return false
}

// certificateFor resolves the SNI server name via the current
// certificate provider, falling back to the deterministic first
// TLS-required host when the ClientHello carries no server_name
// extension at all (spec.md §4.4).
func (p *Pool) certificateFor(hello *tls.ClientHelloInfo, stateFn func() (*config.Snapshot, *route.Resolver)) (*tls.Certificate, error) {
	_, resolver := stateFn()
	host := hello.ServerName
	if host == "" {
		fallback, ok := resolver.FirstTLSHost()
		if !ok {
			return nil, errors.New("listener: no TLS host configured")
		}
		host = fallback
	}
	cfg, err := p.Certs.ContextFor(route.NormalizeHost(host))
	if err != nil {
		return nil, err
	}
	return &cfg.Certificates[0], nil
}

func (p *Pool) track(ln net.Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, ln)
	p.mu.Unlock()
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
}

// acceptLoop accepts connections on ln until ctx is cancelled. Backpressure
// is applied before Accept ever returns a socket: the pool never closes
// an already-accepted connection to shed load, it simply lets excess
// connection attempts queue in the kernel backlog (spec.md §5).
func (p *Pool) acceptLoop(ctx context.Context, ln net.Listener, sem chan struct{}, kind transport.Kind, tlsConfig *tls.Config, stateFn func() (*config.Snapshot, *route.Resolver)) {
	defer p.wg.Done()

	kindLabel := "plain"
	if kind == transport.TLS {
		kindLabel = "tls"
	}

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			<-sem
			select {
			case <-ctx.Done():
				return
			default:
			}
			if p.Logger != nil {
				p.Logger.Warn("accept failed", zap.String("listener", kindLabel), zap.Error(err))
			}
			continue
		}

		if p.Metrics != nil {
			p.Metrics.ConnectionAccepted(kindLabel)
			p.Metrics.ConnectionOpened()
		}

		snapshot, resolver := stateFn()
		tr := transport.New(conn, transport.Plain)
		c := &engine.Connection{
			Transport:    tr,
			Resolver:     resolver,
			Dialer:       p.dialer(),
			IdleTimeout:  snapshot.IdleTimeout,
			Logger:       p.Logger,
			Metrics:      p.Metrics,
			ServerHeader: "hostbridge/" + version,
		}
		if kind == transport.TLS {
			c.TLSConfig = tlsConfig
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-sem }()
			c.Serve(ctx)
		}()
	}
}

func (p *Pool) dialer() engine.Dialer {
	if p.NewDialer != nil {
		return p.NewDialer()
	}
	return engine.NewDefaultDialer()
}
