package engine

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hostbridge/hostbridge/internal/route"
	"go.uber.org/zap"
)

// bridge implements UpgradingClient → UpgradingUpstream → Bridging
// from spec.md §4.5: dial the upstream, replay the client's Upgrade
// request to it, and only promote the client connection once the
// upstream itself answers 101. If the upstream cannot be dialed, the
// client gets a 502; any later failure before both legs have upgraded
// closes the connection silently (spec.md §7); if the upstream refuses
// the upgrade, its status is forwarded to the client as-is.
func (c *Connection) bridge(ctx context.Context, req *http.Request, rt route.Route) {
	c.setState(stateUpgradingClient)

	dialCtx, cancel := context.WithTimeout(ctx, c.IdleTimeout)
	defer cancel()
	upstream, err := c.Dialer.DialContext(dialCtx, "tcp", rt.UpstreamAddr())
	if err != nil {
		if c.Metrics != nil {
			c.Metrics.UpstreamDialFailure()
		}
		c.writeErrorResponse(req, http.StatusBadGateway, "Upstream connection failed")
		return
	}
	defer upstream.Close()

	c.setState(stateUpgradingUpstream)
	_ = upstream.SetDeadline(time.Now().Add(c.IdleTimeout))
	if err := writeUpgradeRequest(upstream, req); err != nil {
		c.logf(zap.DebugLevel, "upstream upgrade request failed", zap.Error(err))
		return
	}

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		c.logf(zap.DebugLevel, "upstream upgrade response invalid", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	_ = upstream.SetDeadline(time.Time{})

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// "WebSocket upgrade refused by upstream: forward upstream
		// status" (spec.md §7) — relay it verbatim as a normal,
		// non-upgraded response and close.
		_ = c.writeForwardResponse(resp, false)
		return
	}

	// Echo the upstream's 101 back to the client verbatim.
	if err := c.writeUpgradeResponse(resp); err != nil {
		c.logf(zap.DebugLevel, "client upgrade response failed", zap.Error(err))
		return
	}
	c.responseSent = true

	c.setState(stateBridging)
	if c.Metrics != nil {
		c.Metrics.BridgeOpened()
		defer c.Metrics.BridgeClosed()
	}

	// Any bytes the client or upstream already sent past their request
	// line/headers (buffered in the bufio.Readers used to parse them)
	// must be replayed before we start the raw byte relay, or the
	// first WebSocket frame would be silently dropped.
	clientPending := drainBuffered(c.clientReader)
	upstreamPending := drainBuffered(upstreamReader)

	bridgeBidirectional(c.Transport, upstream, clientPending, upstreamPending, c.IdleTimeout)
}

// writeUpgradeRequest replays the client's Upgrade request to the
// upstream, preserving Connection and Upgrade instead of stripping
// them, per spec.md §4.5.
func writeUpgradeRequest(upstream net.Conn, req *http.Request) error {
	w := bufio.NewWriter(upstream)
	if err := writeRequestLine(w, req.Method, req.URL.RequestURI(), req.Proto); err != nil {
		return err
	}
	headers := req.Header.Clone()
	stripHopByHop(headers, true)
	if headers.Get("Host") == "" && req.Host != "" {
		headers.Set("Host", req.Host)
	}
	if err := writeHeaders(w, headers); err != nil {
		return err
	}
	return w.Flush()
}

// writeUpgradeResponse forwards the upstream's 101 response line and
// headers (preserving Connection/Upgrade) to the client.
func (c *Connection) writeUpgradeResponse(resp *http.Response) error {
	w := bufio.NewWriter(c.Transport)
	if err := writeStatusLine(w, resp.Proto, resp.StatusCode, resp.Status); err != nil {
		return err
	}
	headers := resp.Header.Clone()
	stripHopByHop(headers, true)
	if err := writeHeaders(w, headers); err != nil {
		return err
	}
	return w.Flush()
}

// drainBuffered returns whatever unread bytes a bufio.Reader is
// currently holding, without blocking for more.
func drainBuffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	buf, _ := r.Peek(n)
	out := make([]byte, n)
	copy(out, buf)
	_, _ = r.Discard(n)
	return out
}

// bridgeBidirectional implements spec.md's WebSocketBridge: two
// independent copy loops relay raw TCP payload in each direction with
// no frame re-encoding. Each direction is its own task (spec.md §5:
// "WebSocket bridging spawns one additional task for the reverse
// direction"); when either side sees a clean close or error, the
// opposite direction is cancelled and both transports are closed.
//
// Bridging is a non-terminal state, so it stays bound by the
// configured idle timeout (spec.md §4.5 invariant 1): each relay
// resets its read deadline to now+idleTimeout before every read
// instead of clearing it, so an abandoned tunnel with no traffic in
// either direction eventually times out instead of leaking its socket
// pair forever.
func bridgeBidirectional(client, upstream net.Conn, clientPending, upstreamPending []byte, idleTimeout time.Duration) {
	done := make(chan struct{}, 2)

	relay := func(dst, src net.Conn, prefix []byte) {
		defer func() { done <- struct{}{} }()
		if len(prefix) > 0 {
			if _, err := dst.Write(prefix); err != nil {
				return
			}
		}
		copyUntilIdle(dst, src, idleTimeout)
	}

	go relay(upstream, client, clientPending)
	go relay(client, upstream, upstreamPending)

	// Wait for either direction to finish (clean close, error, or idle
	// timeout), then close both transports so the other goroutine's
	// blocked read/write unblocks with an error and exits.
	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

// copyUntilIdle relays bytes from src to dst, resetting src's read
// deadline on every successful read so the bound is against inactivity
// rather than total tunnel lifetime.
func copyUntilIdle(dst, src net.Conn, idleTimeout time.Duration) {
	buf := make([]byte, 32*1024)
	for {
		if idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
