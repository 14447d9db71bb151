package api

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/kalambet/vitastack/internal/session"
)

const (
	defaultPayloadTimeout = 30 * time.Second

	writeWait      = 10 * time.Second
	closeWait      = time.Second
	maxMessageSize = maxRequestBodySize
)

func handleWebsocket(deps Deps) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(deps.AllowedOrigins, r.Header.Get("Origin"))
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, done, err := deps.Tracker.track(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			return
		}
		defer done()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an HTTP error.
			deps.Logger.Debug("websocket upgrade failed", "error", err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		conn := newWSConn(ws, cancel, deps.PayloadTimeout)
		res := deps.Sessions.Serve(ctx, conn)
		conn.Close(res.Status, "")
		<-conn.done

		deps.Logger.Debug("websocket session finished",
			"session_id", res.SessionID,
			"state", res.State.String(),
			"status", res.Status.String(),
			"chunks", res.Chunks,
		)
	}
}

// originAllowed reports whether a browser origin may open a websocket.
// Requests without an Origin header come from non-browser clients.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

type readResult struct {
	data []byte
	err  error
}

// wsConn adapts a websocket to session.Conn. A background reader delivers
// the first message as the payload and cancels the session when the peer
// goes away.
type wsConn struct {
	ws      *websocket.Conn
	cancel  context.CancelFunc
	first   chan readResult
	done    chan struct{}
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn, cancel context.CancelFunc, payloadTimeout time.Duration) *wsConn {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(payloadTimeout))
	c := &wsConn{
		ws:     ws,
		cancel: cancel,
		first:  make(chan readResult, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer c.cancel()

	delivered := false
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !delivered {
				c.first <- readResult{err: err}
			}
			return
		}
		if !delivered {
			// Later reads only watch for the peer going away.
			c.ws.SetReadDeadline(time.Time{})
			c.first <- readResult{data: data}
			delivered = true
		}
		// One payload per session; later messages are ignored.
	}
}

func (c *wsConn) ReadPayload(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.first:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) Send(ctx context.Context, chunk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(chunk))
}

// Close sends a close frame carrying status and releases the connection.
// Only the first call has any effect.
func (c *wsConn) Close(status session.Status, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(int(status), reason)
		err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		c.writeMu.Unlock()

		if cerr := c.ws.Close(); err == nil {
			err = cerr
		}
		c.closeErr = err
	})
	return c.closeErr
}
