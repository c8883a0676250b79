package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// maxClientFrame bounds a single browser frame. Input messages are small;
// larger frames are rejected by the websocket library.
const maxClientFrame = 64 << 10

// Client is one browser connection. It implements session.ClientChannel.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewClient wraps an accepted connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	conn.SetReadLimit(maxClientFrame)
	return &Client{conn: conn, logger: logger}
}

// Read returns the next text or binary frame.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading client frame: %w", err)
	}
	return data, nil
}

// Send writes data as one text frame.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing client frame: %w", err)
	}
	return nil
}

// Close closes the connection with a normal closure. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "session finished")
		if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}

// keepalive pings the browser every interval until ctx is done or a ping fails.
func (c *Client) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("client ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
