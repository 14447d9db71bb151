package api

import (
	"context"
	"io"
	"net/http"

	"github.com/kalambet/vitastack/internal/session"
)

const statusTrailer = "X-Session-Status"

// httpConn adapts a single HTTP request/response to session.Conn. Once the
// first chunk is written the status code is fixed, so the final session
// status is reported in a trailer.
type httpConn struct {
	w       http.ResponseWriter
	flusher http.Flusher
	body    []byte
	started bool
	closed  bool
}

func newHTTPConn(w http.ResponseWriter, body []byte) *httpConn {
	f, _ := w.(http.Flusher)
	return &httpConn{w: w, flusher: f, body: body}
}

func (c *httpConn) ReadPayload(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.body, nil
}

func (c *httpConn) Send(ctx context.Context, chunk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return session.ErrClosed
	}
	c.start()
	if _, err := io.WriteString(c.w, chunk); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

func (c *httpConn) start() {
	if c.started {
		return
	}
	c.started = true
	h := c.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Trailer", statusTrailer)
	c.w.WriteHeader(http.StatusOK)
}

func (c *httpConn) Close(status session.Status, reason string) error {
	if c.closed {
		return session.ErrClosed
	}
	c.closed = true

	if c.started {
		c.w.Header().Set(statusTrailer, status.String())
		return nil
	}

	switch status {
	case session.StatusMalformed:
		httpError(c.w, http.StatusBadRequest, "invalid_request_error", "%s", reason)
	case session.StatusModelError:
		httpError(c.w, http.StatusBadGateway, "api_error", "%s", reason)
	case session.StatusGoingAway:
		// Client is gone; nothing to write.
	default:
		c.start()
		c.w.Header().Set(statusTrailer, status.String())
	}
	return nil
}
