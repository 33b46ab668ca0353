package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/gusearch/internal/chord"
	"github.com/zde37/gusearch/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per subscriber
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscriber is one connected event stream consumer.
type subscriber struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans ring events, ping outcomes and search results out to
// every connected WebSocket client, one JSON object per event.
type WebSocketHub struct {
	subscribers map[*subscriber]struct{}
	events      chan []byte
	register    chan *subscriber
	unregister  chan *subscriber
	shutdown    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	running     sync.Once

	mu     sync.RWMutex
	logger *pkg.Logger
}

// NewWebSocketHub creates a hub. Call Run to start delivering.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		subscribers: make(map[*subscriber]struct{}),
		events:      make(chan []byte, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.WithFields(pkg.Fields{"component": "websocket_hub"}),
	}
}

// Run delivers events until Stop. Extra calls return immediately.
func (h *WebSocketHub) Run() {
	h.running.Do(func() {
		defer close(h.done)
		h.loop()
	})
}

func (h *WebSocketHub) loop() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = struct{}{}
			total := len(h.subscribers)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Client connected")

		case sub := <-h.unregister:
			h.drop(sub, "Client disconnected")

		case message := <-h.events:
			h.mu.RLock()
			var slow []*subscriber
			for sub := range h.subscribers {
				select {
				case sub.send <- message:
				default:
					slow = append(slow, sub)
				}
			}
			h.mu.RUnlock()
			for _, sub := range slow {
				h.drop(sub, "Client send buffer full, disconnecting")
			}

		case <-h.shutdown:
			h.mu.Lock()
			for sub := range h.subscribers {
				close(sub.send)
				delete(h.subscribers, sub)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("WebSocket hub stopped")
			return
		}
	}
}

func (h *WebSocketHub) drop(sub *subscriber, reason string) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	if ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
	total := len(h.subscribers)
	h.mu.Unlock()
	if ok {
		h.logger.Info().Int("total_clients", total).Msg(reason)
	}
}

// Stop closes every client and ends Run.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	// a hub that never ran has nothing to wait for
	h.running.Do(func() { close(h.done) })
	<-h.done
}

// Clients reports the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// HandleWebSocket upgrades the request and subscribes the client.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	sub := &subscriber{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- sub:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump()
}

// BroadcastRingUpdate queues update for every client. A full queue drops
// the event rather than stalling the node.
func (h *WebSocketHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	select {
	case h.events <- data:
	default:
		h.logger.Warn().Msg("Event queue full, dropping event")
	}
	return nil
}

// readPump only services control frames; clients never send events.
func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.shutdown:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Warn().Err(err).Msg("WebSocket closed unexpectedly")
			}
			return
		}
	}
}

// writePump is the only writer on the connection. Each event goes out as
// its own text frame.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ chord.RingUpdateBroadcaster = (*WebSocketHub)(nil)
