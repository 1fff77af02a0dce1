// Package web streams Event Bus traffic to browsers over websockets.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"panostitch/internal/events"
	"panostitch/internal/pano"
)

// Message is the envelope written to every websocket client.
type Message struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Timeout   int             `json:"timeout,omitempty"`
	Value     float64         `json:"value,omitempty"`
	Panoramas []PanoramaInfo  `json:"panoramas,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PanoramaInfo describes one panorama of a result event.
type PanoramaInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Hub fans messages out to connected websocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int32
	log        *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Attach forwards the bus signals to the hub until the tracker is closed.
// Emitters never block: messages are dropped when the hub falls behind.
func (h *Hub) Attach(bus *events.Bus, t *events.Tracker) {
	bus.Status.SubscribeTracked(t, func(m events.StatusMessage) {
		h.Publish(Message{Type: "status", Text: m.Text, Timeout: m.Timeout})
	})
	bus.Progress.SubscribeTracked(t, func(v float64) {
		h.Publish(Message{Type: "progress", Value: v})
	})
	bus.Result.SubscribeTracked(t, func(images []*pano.Image) {
		info := make([]PanoramaInfo, len(images))
		for i, img := range images {
			info[i] = PanoramaInfo{Width: img.Size().X, Height: img.Size().Y}
		}
		h.Publish(Message{Type: "result", Panoramas: info})
	})
}

// Publish queues msg for every client.
func (h *Hub) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("websocket message dropped", "type", msg.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Debug("websocket hub busy, message dropped", "type", msg.Type)
	}
}

// PublishJSON wraps an arbitrary value as the payload of a typed message.
func (h *Hub) PublishJSON(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("websocket payload dropped", "type", kind, "error", err)
		return
	}
	h.Publish(Message{Type: kind, Payload: data})
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Run serves the hub until ctx is done, then closes every client. It must
// be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.count.Store(0)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}
