// Package feed streams bus events to websocket consumers. Each client may
// narrow the stream to specific sessions; by default it receives every
// event. Delivery is best-effort: a client that cannot keep up is dropped.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueDepth = 64
)

// Envelope is the wire format for one streamed event.
type Envelope struct {
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// control is the inbound client message adjusting the session filter.
type control struct {
	Action    string `json:"action"` // subscribe | unsubscribe
	SessionID string `json:"sessionId"`
}

type client struct {
	conn *websocket.Conn
	send chan Envelope

	mu       sync.Mutex
	sessions map[string]bool // empty means all sessions
}

func (c *client) wants(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return true
	}
	return c.sessions[sessionID]
}

// Server fans bus events out to websocket clients.
type Server struct {
	events   *bus.Bus
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
	subs    []*bus.Subscription
	closed  bool
}

// NewServer creates a feed server subscribed to every event category.
func NewServer(events *bus.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		events: events,
		log:    log.With("component", "feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}

	for _, cat := range []bus.Category{bus.CategoryMessage, bus.CategorySession, bus.CategoryContact} {
		sub := events.Subscribe(bus.WildcardTopic(cat), s.broadcast)
		s.subs = append(s.subs, sub)
	}
	return s
}

// Handler upgrades requests to websocket connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "error", err)
			return
		}

		c := &client{
			conn:     conn,
			send:     make(chan Envelope, sendQueueDepth),
			sessions: make(map[string]bool),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[c] = true
		s.mu.Unlock()

		go s.writePump(c)
		go s.readPump(c)
	})
}

func (s *Server) broadcast(evt bus.Event) {
	env := Envelope{
		Category:  string(evt.Category),
		Type:      evt.Type,
		SessionID: evt.SessionID,
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.wants(evt.SessionID) {
			continue
		}
		select {
		case c.send <- env:
		default:
			// Slow consumer; dropping it beats blocking the bus.
			s.log.Warn("dropping slow feed client")
			delete(s.clients, c)
			close(c.send)
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *client) {
	defer s.remove(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("ignoring malformed control message", "error", err)
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			if msg.SessionID != "" {
				c.sessions[msg.SessionID] = true
			}
		case "unsubscribe":
			delete(c.sessions, msg.SessionID)
		}
		c.mu.Unlock()
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close detaches from the bus and disconnects every client.
func (s *Server) Close() {
	for _, sub := range s.subs {
		s.events.Unsubscribe(sub)
	}

	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}
