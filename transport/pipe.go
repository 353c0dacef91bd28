package transport

import (
	"encoding/json"
	"sync"
)

// pipeConn is one end of an in-process connection. Messages are
// JSON-serialized through the channels to match real websocket behavior.
type pipeConn struct {
	in     <-chan json.RawMessage
	out    chan<- json.RawMessage
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	return PipeSize(256)
}

// PipeSize is Pipe with an explicit per-direction buffer.
func PipeSize(buffer int) (Conn, Conn) {
	ab := make(chan json.RawMessage, buffer)
	ba := make(chan json.RawMessage, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, closed: closed, once: once},
		&pipeConn{in: ab, out: ba, closed: closed, once: once}
}

func (c *pipeConn) ReadJSON(v interface{}) error {
	select {
	case raw := <-c.in:
		return json.Unmarshal(raw, v)
	case <-c.closed:
		// Deliver anything already buffered before reporting the close.
		select {
		case raw := <-c.in:
			return json.Unmarshal(raw, v)
		default:
			return ErrClosed
		}
	}
}

func (c *pipeConn) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- raw:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
