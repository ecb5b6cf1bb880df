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

// netDialer adapts net.Dialer to the engine's Dialer interface, the
// default used outside of tests.
type netDialer struct {
	d net.Dialer
}

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// NewDefaultDialer returns the Dialer a production Connection should
// use: a plain net.Dialer, one independent resolution and dial per
// call, per spec.md §5 ("each dial resolves independently; no shared
// DNS cache is required").
func NewDefaultDialer() Dialer { return netDialer{} }

// proxyHTTP implements the Dialing → ForwardingRequest →
// ReadingUpstream → ForwardingResponse segment of spec.md §4.5 for a
// single non-upgrade request. It returns whether the client
// connection should be kept open for another request.
func (c *Connection) proxyHTTP(ctx context.Context, req *http.Request, rt route.Route) (keepAlive bool, err error) {
	c.setState(stateDialing)
	dialCtx, cancel := context.WithTimeout(ctx, c.IdleTimeout)
	defer cancel()

	upstream, err := c.Dialer.DialContext(dialCtx, "tcp", rt.UpstreamAddr())
	if err != nil {
		if c.Metrics != nil {
			c.Metrics.UpstreamDialFailure()
		}
		c.writeErrorResponse(req, http.StatusBadGateway, "Upstream connection failed")
		return false, nil
	}
	defer upstream.Close()

	c.setState(stateForwardingRequest)
	_ = upstream.SetWriteDeadline(time.Now().Add(c.IdleTimeout))
	if err := writeForwardRequest(upstream, req); err != nil {
		c.writeErrorResponse(req, http.StatusBadGateway, "Upstream write failed")
		return false, nil
	}
	_ = upstream.SetWriteDeadline(time.Time{})

	c.setState(stateReadingUpstream)
	_ = upstream.SetReadDeadline(time.Now().Add(c.IdleTimeout))
	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		c.writeErrorResponse(req, http.StatusBadGateway, "Upstream response invalid")
		return false, nil
	}
	_ = upstream.SetReadDeadline(time.Time{})
	defer resp.Body.Close()

	c.setState(stateForwardingResponse)
	wantKeepAlive := keepAliveWanted(req) && resp.Close == false
	if err := c.writeForwardResponse(resp, wantKeepAlive); err != nil {
		// Invariant 3: after any response byte has been written we
		// never attempt a further write, so a mid-write failure here
		// is always a silent close, never a second error response.
		c.logf(zap.DebugLevel, "client write failed mid-response", zap.Error(err))
		return false, err
	}

	return wantKeepAlive, nil
}

// writeForwardRequest writes the client's request to upstream exactly
// as spec.md §4.5 "Forwarding semantics" describes: start-line
// preserved, hop-by-hop headers stripped, Host left as the client sent
// it (host-header pass-through, the default per §9's open question).
func writeForwardRequest(upstream net.Conn, req *http.Request) error {
	w := bufio.NewWriter(upstream)

	target := req.URL.RequestURI()
	if err := writeRequestLine(w, req.Method, target, req.Proto); err != nil {
		return err
	}

	headers := req.Header.Clone()
	stripHopByHop(headers, false)
	if headers.Get("Host") == "" && req.Host != "" {
		headers.Set("Host", req.Host)
	}
	length, chunked := bodyFraming(req.ContentLength, req.TransferEncoding)
	if chunked {
		headers.Set("Transfer-Encoding", "chunked")
		headers.Del("Content-Length")
	}
	if err := writeHeaders(w, headers); err != nil {
		return err
	}

	if req.Body != nil {
		if err := forwardBody(w, req.Body, length, chunked); err != nil {
			return err
		}
	}
	return w.Flush()
}

// writeForwardResponse writes resp to the client, stripping
// hop-by-hop headers and re-framing the body, per the same rules as
// writeForwardRequest applied to the reverse direction.
func (c *Connection) writeForwardResponse(resp *http.Response, keepAlive bool) error {
	w := bufio.NewWriter(c.Transport)

	if err := writeStatusLine(w, resp.Proto, resp.StatusCode, resp.Status); err != nil {
		return err
	}

	headers := resp.Header.Clone()
	stripHopByHop(headers, false)
	length, chunked := bodyFraming(resp.ContentLength, resp.TransferEncoding)
	if chunked {
		headers.Set("Transfer-Encoding", "chunked")
		headers.Del("Content-Length")
	}
	if keepAlive {
		headers.Set("Connection", "keep-alive")
	} else {
		headers.Set("Connection", "close")
	}
	if c.ServerHeader != "" {
		headers.Set("Server", c.ServerHeader)
	}
	if err := writeHeaders(w, headers); err != nil {
		return err
	}

	c.responseSent = true
	if c.Metrics != nil {
		c.Metrics.ResponseStatus(resp.Status[:3])
	}

	if resp.Body != nil {
		if err := forwardBody(w, resp.Body, length, chunked); err != nil {
			return err
		}
	}
	return w.Flush()
}
