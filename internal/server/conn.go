package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

const defaultControlTimeout = 10 * time.Second

// wsConn adapts one websocket to session.Transport. gorilla allows a single
// concurrent writer, so data frames go through writeMu. Control frames use
// WriteControl, which is safe alongside them.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	maxMessage   int64

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration, maxMessage int64, cancel context.CancelFunc) *wsConn {
	return &wsConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		maxMessage:   maxMessage,
		done:         make(chan struct{}),
		cancel:       cancel,
	}
}

func (c *wsConn) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.write(ctx, websocket.TextMessage, data)
}

func (c *wsConn) SendBinary(ctx context.Context, data []byte) error {
	if c.maxMessage > 0 && int64(len(data)) > c.maxMessage {
		return fmt.Errorf("frame of %d bytes exceeds max message size %d", len(data), c.maxMessage)
	}
	return c.write(ctx, websocket.BinaryMessage, data)
}

func (c *wsConn) write(ctx context.Context, messageType int, data []byte) error {
	if c.closed() {
		return errConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.markClosed()
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		c.markClosed()
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *wsConn) ping() error {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = defaultControlTimeout
	}
	deadline := time.Now().Add(timeout)
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

// shutdown starts the close handshake and waits up to timeout for the peer
// to answer before the socket is dropped.
func (c *wsConn) shutdown(code int, reason string, timeout time.Duration, readerDone <-chan struct{}) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout)); err == nil {
		select {
		case <-readerDone:
		case <-time.After(timeout):
		}
	}
	c.markClosed()
	_ = c.ws.Close()
}

func (c *wsConn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
