package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

type subscriber struct {
	id      string
	hub     *Hub
	channel string
	send    chan []byte
	once    sync.Once
}

func (s *subscriber) Messages() <-chan []byte {
	return s.send
}

func (s *subscriber) Close() error {
	s.once.Do(func() {
		s.hub.leave(s)
	})
	return nil
}

type channel struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

// Hub in-process Transport.
type Hub struct {
	bufferSize int
	mu         sync.RWMutex
	channels   map[string]*channel
	closed     bool
}

// NewHub creates a new in-process Hub.
func NewHub() *Hub {
	return &Hub{
		bufferSize: defaultBufferSize,
		channels:   make(map[string]*channel),
	}
}

// Publish sends payload to all current subscribers of the channel. Subscribers with a
// full buffer miss the message.
func (h *Hub) Publish(ctx context.Context, name string, payload []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		publishedTotal.WithLabelValues("memory", "closed").Inc()
		return ErrClosed
	}
	ch, ok := h.channels[name]
	h.mu.RUnlock()
	if !ok {
		publishedTotal.WithLabelValues("memory", "ok").Inc()
		return nil
	}

	ch.mu.RLock()
	for _, s := range ch.subscribers {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case s.send <- data:
		default:
			droppedTotal.Inc()
			log.Warn("subscriber buffer full, dropping message", zap.String("channel", name), zap.String("subscriber", s.id))
		}
	}
	ch.mu.RUnlock()

	publishedTotal.WithLabelValues("memory", "ok").Inc()
	return nil
}

// Subscribe joins a channel.
func (h *Hub) Subscribe(ctx context.Context, name string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{
			subscribers: make(map[string]*subscriber),
		}
		h.channels[name] = ch
	}

	s := &subscriber{
		id:      uuid.NewString(),
		hub:     h,
		channel: name,
		send:    make(chan []byte, h.bufferSize),
	}

	ch.mu.Lock()
	ch.subscribers[s.id] = s
	ch.mu.Unlock()

	return s, nil
}

func (h *Hub) leave(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[s.channel]
	if !ok {
		return
	}

	ch.mu.Lock()
	if _, ok := ch.subscribers[s.id]; ok {
		delete(ch.subscribers, s.id)
		close(s.send)
	}
	empty := len(ch.subscribers) == 0
	ch.mu.Unlock()

	if empty {
		delete(h.channels, s.channel)
	}
}

// Close closes every subscription and rejects further use.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	channels := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		for id, s := range ch.subscribers {
			delete(ch.subscribers, id)
			close(s.send)
		}
		ch.mu.Unlock()
	}

	return nil
}
