// Package bridge is the real-time event bridge: a WebSocket hub behind
// an echo server that maps inbound client commands to the session,
// sync, and account components, and fans internal bus events out to
// every connected client.
package bridge

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Health states derived from consecutive delivery failures.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthError    = "error"
)

const degradedThreshold = 1
const errorThreshold = 3

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local dashboard daemon; the listener binds loopback by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connected clients and broadcasts outbound frames.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	failures atomic.Int32
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Handler upgrades an HTTP request to a client connection. dispatch is
// invoked for every inbound frame.
func (h *Hub) Handler(dispatch func(*client, Frame)) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		cl := newClient(h, conn)
		h.mu.Lock()
		h.clients[cl] = struct{}{}
		n := len(h.clients)
		h.mu.Unlock()
		h.logger.Info("client connected", zap.Int("clients", n))

		go cl.writePump()
		go cl.readPump(dispatch)
		return nil
	}
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	delete(h.clients, cl)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", zap.Int("clients", n))
	}
}

// Broadcast sends one event to every connected client. Delivery is
// best-effort: a client with a full send queue is dropped.
func (h *Hub) Broadcast(event string, data any) {
	raw, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.Unlock()

	for _, cl := range targets {
		if !cl.enqueue(raw) {
			h.logger.Warn("client send queue full, dropping client")
			cl.close()
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Health is the coarse transport health signal, driven by consecutive
// heartbeat failures across all clients.
func (h *Hub) Health() string {
	n := int(h.failures.Load())
	switch {
	case n >= errorThreshold:
		return HealthError
	case n >= degradedThreshold:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (h *Hub) noteHeartbeatFailure() { h.failures.Add(1) }
func (h *Hub) noteHeartbeatOK()      { h.failures.Store(0) }

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.Unlock()
	for _, cl := range targets {
		cl.close()
	}
}
