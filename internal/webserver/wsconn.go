package webserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-relay/internal/registry"
)

const maxInboundFrame = 64 << 10

// wsConn is the registry.Sender for one websocket. Frames are queued on a
// buffered channel drained by writePump; a client that lets the buffer fill
// is disconnected.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newWSConn(buffer int, writeTimeout, pingInterval time.Duration) *wsConn {
	return &wsConn{
		send:         make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

// Send implements registry.Sender.
func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrUnreachable
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closeLocked()
		return registry.ErrSlowConsumer
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *wsConn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump is the only writer on conn. It returns, closing conn, once the
// send channel is closed or a write fails.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// prepareRead sets the read limit and keeps the read deadline moving while
// pongs arrive.
func (c *wsConn) prepareRead() {
	wait := 2 * c.pingInterval
	c.conn.SetReadLimit(maxInboundFrame)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
}
