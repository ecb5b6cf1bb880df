package engine

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strings"
)

// hopByHop is the header set spec.md §4.5 requires stripped from both
// the forwarded request and the forwarded response, grounded on the
// exact list the original ConnectionHandler/RequestRouter pass through
// verbatim minus these names.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the hop-by-hop header set from h in place.
// When preserveUpgrade is true (the request is an Upgrade request),
// Connection and Upgrade are left intact, per spec.md §4.5.
func stripHopByHop(h http.Header, preserveUpgrade bool) {
	// Header names the Connection header itself lists are hop-by-hop
	// too and must go, in addition to the fixed list above.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" || (preserveUpgrade && strings.EqualFold(name, "Upgrade")) {
				continue
			}
			h.Del(name)
		}
	}
	for _, name := range hopByHop {
		if preserveUpgrade && (name == "Connection" || name == "Upgrade") {
			continue
		}
		h.Del(name)
	}
}

// writeRequestLine writes "METHOD target HTTP/x.y\r\n" preserving the
// client's exact method, request target, and protocol version, so the
// round-trip law in spec.md §8 holds for the version too (unlike
// (*http.Request).Write, which always emits HTTP/1.1).
func writeRequestLine(w *bufio.Writer, method, target, proto string) error {
	_, err := fmt.Fprintf(w, "%s %s %s\r\n", method, target, proto)
	return err
}

// writeStatusLine writes "HTTP/x.y status-code reason\r\n" preserving
// the upstream's reported protocol version and reason phrase.
func writeStatusLine(w *bufio.Writer, proto string, statusCode int, status string) error {
	reason := status
	if idx := strings.IndexByte(status, ' '); idx >= 0 {
		reason = status[idx+1:]
	}
	_, err := fmt.Fprintf(w, "%s %d %s\r\n", proto, statusCode, reason)
	return err
}

func writeHeaders(w *bufio.Writer, h http.Header) error {
	for k, vs := range h {
		k = textproto.CanonicalMIMEHeaderKey(k)
		for _, v := range vs {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

// forwardBody streams a body of known shape from src to w without
// requiring it to be buffered in full, per spec.md "Body streaming".
// contentLength >= 0 forwards exactly that many bytes. contentLength
// == -1 with chunked == true re-chunks the already-dechunked body
// (http.ReadRequest/ReadResponse always hand back a dechunked
// io.ReadCloser, so forwarding chunked framing means re-encoding it,
// not replaying the original chunk boundaries). contentLength == -1
// with chunked == false is the HTTP/1.0 close-delimited case: there is
// no length to frame against, so the body runs until src hits EOF, and
// the connection this is written to is necessarily not kept alive.
func forwardBody(w *bufio.Writer, src io.Reader, contentLength int64, chunked bool) error {
	switch {
	case contentLength > 0:
		_, err := io.CopyN(w, src, contentLength)
		return err
	case contentLength == 0:
		return nil
	case chunked:
		cw := httputil.NewChunkedWriter(w)
		if _, err := io.Copy(cw, src); err != nil {
			return err
		}
		return cw.Close()
	default:
		_, err := io.Copy(w, src)
		return err
	}
}

// bodyFraming inspects a parsed request/response to decide how its
// body should be re-framed toward the other leg.
func bodyFraming(contentLength int64, transferEncoding []string) (length int64, chunked bool) {
	for _, te := range transferEncoding {
		if strings.EqualFold(te, "chunked") {
			return -1, true
		}
	}
	return contentLength, false
}
