// Package transport provides the message connections agents, the
// coordination hub, and the remote change stream talk over: a JSON message
// Conn with an in-process Pipe and a gorilla/websocket implementation.
package transport

import "github.com/teranos/blocksync/errors"

// ErrClosed is returned by reads and writes on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a bidirectional JSON message connection. ReadJSON must only be
// called from one goroutine; WriteJSON is safe for concurrent use.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// IsClosed reports whether err means the peer or this side hung up.
func IsClosed(err error) bool {
	return err != nil && errors.Is(err, ErrClosed)
}
