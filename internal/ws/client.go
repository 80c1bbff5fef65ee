package ws

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds how long a single log chunk may take to flush
// before the consumer is considered dead.
const writeTimeout = 10 * time.Second

// Client wraps one websocket connection following a build's log stream.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one log chunk. A slow consumer is dropped rather than
// allowed to stall the hub.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
