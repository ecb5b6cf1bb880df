package engine

import (
	"bufio"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// writeErrorResponse writes a plain-text error response to the
// client, per spec.md §6 ("Error responses: plain text bodies with
// Content-Type: text/plain, Server: <name>/<version>") and §4.5
// invariant 3: the engine writes at most one response per request. If
// a response has already been sent for the current request, it
// silently does nothing instead of attempting a second write.
func (c *Connection) writeErrorResponse(req *http.Request, status int, message string) {
	if c.responseSent {
		return
	}
	c.setState(stateErrorResponding)

	proto := "HTTP/1.1"
	if req != nil && req.Proto != "" {
		proto = req.Proto
	}

	w := bufio.NewWriter(c.Transport)
	body := message + "\n"
	if err := writeStatusLine(w, proto, status, strconv.Itoa(status)+" "+http.StatusText(status)); err != nil {
		c.logf(zap.DebugLevel, "error response write failed", zap.Error(err))
		return
	}
	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	headers.Set("Connection", "close")
	if c.ServerHeader != "" {
		headers.Set("Server", c.ServerHeader)
	}
	if err := writeHeaders(w, headers); err != nil {
		c.logf(zap.DebugLevel, "error response write failed", zap.Error(err))
		return
	}
	if _, err := w.WriteString(body); err != nil {
		c.logf(zap.DebugLevel, "error response write failed", zap.Error(err))
		return
	}
	if err := w.Flush(); err != nil {
		c.logf(zap.DebugLevel, "error response write failed", zap.Error(err))
		return
	}
	c.responseSent = true
	if c.Metrics != nil {
		c.Metrics.ResponseStatus(strconv.Itoa(status))
	}
}
