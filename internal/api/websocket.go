package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"dashboard-stream/internal/events"
	"dashboard-stream/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS layer for the REST routes only
		return true
	},
}

// WSClient represents a browser WebSocket connection
type WSClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	userID    string // Empty for anonymous viewers
	closeOnce sync.Once
	closeChan chan struct{}
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() { close(c.closeChan) })
}

// outbound is one marshalled event, optionally addressed to a single user
type outbound struct {
	userID string
	data   []byte
}

// WSHub fans bus events out to browser clients
type WSHub struct {
	clients     map[*WSClient]bool
	userClients map[string]map[*WSClient]bool
	broadcast   chan outbound
	register    chan *WSClient
	unregister  chan *WSClient
	done        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	logger      *logging.Logger
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(logger *logging.Logger) *WSHub {
	return &WSHub{
		clients:     make(map[*WSClient]bool),
		userClients: make(map[string]map[*WSClient]bool),
		broadcast:   make(chan outbound, 4096),
		register:    make(chan *WSClient),
		unregister:  make(chan *WSClient),
		done:        make(chan struct{}),
		logger:      logging.OrDefault(logger).WithComponent("ws_hub"),
	}
}

// Run serves the hub until Stop
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.userID != "" {
				if h.userClients[client.userID] == nil {
					h.userClients[client.userID] = make(map[*WSClient]bool)
				}
				h.userClients[client.userID][client] = true
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			targets := h.clients
			if msg.userID != "" {
				targets = h.userClients[msg.userID]
			}
			for client := range targets {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop disconnects every client and ends Run
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// removeLocked drops a client. Caller must hold the write lock.
func (h *WSHub) removeLocked(client *WSClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if client.userID != "" {
		delete(h.userClients[client.userID], client)
		if len(h.userClients[client.userID]) == 0 {
			delete(h.userClients, client.userID)
		}
	}
}

// BroadcastEvent queues an event for delivery. Notifications only reach the
// addressed user's clients. Never blocks the bus.
func (h *WSHub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	msg := outbound{data: data}
	if event.Type == events.EventNotification {
		userID, _ := event.Data["userId"].(string)
		if userID == "" {
			return
		}
		msg.userID = userID
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// GetClientCount returns the number of connected clients
func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DisconnectUser closes every connection opened by userID
func (h *WSHub) DisconnectUser(userID string) {
	if userID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.userClients[userID]
	n := len(clients)
	for client := range clients {
		h.removeLocked(client)
		client.close()
	}
	if n > 0 {
		h.logger.Info("disconnected user websockets", "user_id", userID, "count", n)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write failed", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "signed out"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump drains the connection so control frames are processed
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// InitWebSocket starts a hub that relays every bus event
func InitWebSocket(bus *events.EventBus, logger *logging.Logger) *WSHub {
	hub := NewWSHub(logger)
	go hub.Run()

	if bus != nil {
		bus.SubscribeAll(hub.BroadcastEvent)
	}
	return hub
}

// handleWebSocket upgrades a browser connection. Notifications are routed to
// the client when the dashboard's current session matches.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := &WSClient{
		id:        uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		userID:    s.dash.Session().UserID,
		closeChan: make(chan struct{}),
	}

	// Queue the welcome before registering so it is delivered first
	welcome, _ := json.Marshal(map[string]interface{}{
		"type":      "CONNECTED",
		"clientId":  client.id,
		"timestamp": time.Now(),
		"data":      s.dash.View(),
	})
	client.send <- welcome

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
