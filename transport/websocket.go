package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/blocksync/errors"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size accepted from the peer
	maxMessageSize = 1 << 20
)

// WSConn adapts a gorilla websocket to Conn. Gorilla allows one concurrent
// writer, so writes are serialized here.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn wraps an established websocket.
func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(maxMessageSize)
	return &WSConn{conn: conn}
}

func (c *WSConn) ReadJSON(v interface{}) error {
	if err := c.conn.ReadJSON(v); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return errors.Wrap(ErrClosed, err.Error())
		}
		return err
	}
	return nil
}

func (c *WSConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(ErrClosed, err.Error())
	}
	return c.conn.WriteJSON(v)
}

// Close sends a close frame (best effort) and closes the socket.
func (c *WSConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dial connects to a websocket endpoint (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "failed to dial %s (status %d)", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return NewWSConn(conn), nil
}

// Upgrader builds a websocket upgrader that accepts same-host requests,
// requests without an Origin header (non-browser agents), and the listed
// origins.
func Upgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

// Accept upgrades an HTTP request to a websocket Conn.
func Accept(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*WSConn, error) {
	conn, err := Upgrader(allowedOrigins).Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade failed")
	}
	return NewWSConn(conn), nil
}
