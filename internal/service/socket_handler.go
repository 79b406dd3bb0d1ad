package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
)

const clientBufferSize = 16

// Prometheus metrics.
var (
	eventsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_events_sent_total",
			Help: "The total number of events sent to connected websockets",
		},
		[]string{"type"},
	)
)

type client struct {
	id   string
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// WebsocketHandler fans out agent events to connected websocket clients.
type WebsocketHandler struct {
	upgrader *websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*client
}

// NewWebsocketHandler creates a new WebsocketHandler.
func NewWebsocketHandler() *WebsocketHandler {
	return &WebsocketHandler{
		upgrader: &websocket.Upgrader{},
		mu:       sync.RWMutex{},
		clients:  make(map[string]*client),
	}
}

// Connect upgrades the request to a websocket that receives every subsequent event.
func (h *WebsocketHandler) Connect(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "service_websocket_handler_connect")
	defer span.Finish()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		err = fmt.Errorf("failed to upgrade connetion to a websocket %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	c := &client{
		id:   uuid.New().String(),
		send: make(chan []byte, clientBufferSize),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go registerSocketReciever(c, ws)
	go h.awaitDisconnect(c, ws)
	return nil
}

// Send sends an event to all connected clients. Clients that do not keep up miss it.
func (h *WebsocketHandler) Send(ctx context.Context, event models.AgentEvent) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "service_websocket_handler_send")
	defer span.Finish()

	data, err := json.Marshal(event)
	if err != nil {
		err = fmt.Errorf("failed to serialize json %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn("websocket client not keeping up, dropping event", zap.String("clientId", c.id), zap.Stringer("event", event))
		}
	}
	h.mu.RUnlock()

	eventsSentTotal.WithLabelValues(event.Type).Inc()
	return nil
}

// Clients number of connected clients.
func (h *WebsocketHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *WebsocketHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
}

func (h *WebsocketHandler) leave(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

// awaitDisconnect drains inbound frames until the peer goes away.
func (h *WebsocketHandler) awaitDisconnect(c *client, ws *websocket.Conn) {
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			h.leave(c)
			return
		}
	}
}

func registerSocketReciever(c *client, ws *websocket.Conn) {
	for data := range c.send {
		writeMessage(ws, websocket.TextMessage, data)
	}
	closeSocket(ws)
}

func closeSocket(ws *websocket.Conn) {
	writeMessage(ws, websocket.CloseMessage, []byte{})
	err := ws.Close()
	if err != nil {
		log.Warn("failed to close websocked connection", zap.Error(err))
	}
}

func writeMessage(ws *websocket.Conn, messageType int, data []byte) {
	err := ws.WriteMessage(messageType, data)
	if err != nil {
		log.Warn("failed to send message", zap.Error(err))
	}
}
