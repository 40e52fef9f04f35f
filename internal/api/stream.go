package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/events"
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

	clientBuffer    = 64
	broadcastBuffer = 256
)

// MessageType identifies a stream message
type MessageType string

const (
	MessageTypeOrderUpdate   MessageType = "order_update"
	MessageTypeSessionUpdate MessageType = "session_update"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
)

// Message is the envelope written to stream clients
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamClient struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	pongs chan struct{}
}

// Hub fans order and session events out to websocket clients. Broadcasts
// never block: a full hub or a slow client loses messages.
type Hub struct {
	clients    map[*streamClient]bool
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a hub; call Run to start delivering
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
	}
}

// Run delivers messages until ctx is cancelled, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("total_clients", total).Msg("Stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("total_clients", total).Msg("Stream client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
					log.Warn().Msg("Stream client too slow, disconnected")
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishOrder streams an order event
func (h *Hub) PublishOrder(ctx context.Context, event string, o *db.Order) {
	if h == nil || o == nil {
		return
	}
	h.send(MessageTypeOrderUpdate, events.NewOrderEvent(event, o, time.Now()))
}

// PublishSession streams a session event
func (h *Hub) PublishSession(ctx context.Context, event string, s *db.AutoTraderSession) {
	if h == nil || s == nil {
		return
	}
	h.send(MessageTypeSessionUpdate, events.NewSessionEvent(event, s, time.Now()))
}

func (h *Hub) send(msgType MessageType, data interface{}) {
	msg, err := encodeMessage(msgType, data)
	if err != nil {
		log.Warn().Err(err).Str("type", string(msgType)).Msg("Failed to encode stream message")
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Str("type", string(msgType)).Msg("Stream backlog full, message dropped")
	}
}

func encodeMessage(msgType MessageType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: msgType, Timestamp: time.Now().UTC(), Data: raw})
}

func (s *Server) handleStream(c *gin.Context) {
	hub := s.cfg.Stream
	if hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not configured"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Warn().Err(err).Msg("Stream upgrade failed")
		return
	}

	client := &streamClient{hub: hub, conn: conn, send: make(chan []byte, clientBuffer), pongs: make(chan struct{}, 1)}
	select {
	case hub.register <- client:
	case <-hub.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump consumes client frames until the connection drops
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("Stream read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes queued messages and keepalive pings
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pongs:
			pong, err := encodeMessage(MessageTypePong, struct{}{})
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Msg("Ignoring malformed stream message")
		return
	}

	if msg.Type != MessageTypePing {
		return
	}
	select {
	case c.pongs <- struct{}{}:
	default:
	}
}
