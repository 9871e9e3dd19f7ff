package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	maxFrameSize = 1 << 20
	sendBuffer   = 256
)

// client is one WebSocket connection with buffered outbound delivery.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// enqueue queues a frame without blocking; false means the queue is
// full and the client should be dropped.
func (c *client) enqueue(raw []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// reply sends a frame to this client only.
func (c *client) reply(event string, data any) {
	raw, err := encodeFrame(event, data)
	if err != nil {
		c.hub.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(raw)
}

func (c *client) replyError(message, scope string, retryable bool) {
	c.reply("error", errorPayload{Message: message, Scope: scope, Retryable: retryable})
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.hub.remove(c)
	})
}

func (c *client) readPump(dispatch func(*client, Frame)) {
	defer c.close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.noteHeartbeatOK()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client read error", zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.replyError("malformed frame", "", false)
			continue
		}
		dispatch(c, frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.hub.noteHeartbeatFailure()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.noteHeartbeatFailure()
				return
			}
		case <-c.closed:
			return
		}
	}
}
