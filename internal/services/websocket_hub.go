package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/speedlayer/internal/models"
)

// StreamSearcher runs debounced searches on behalf of stream clients
type StreamSearcher interface {
	DebouncedSearchLatest(callerID string, q *models.SearchQuery, callback SearchCallback, delay time.Duration) bool
	CancelSearches(callerID string) int
}

// SearchHub manages search-as-you-type WebSocket connections. Every
// connection is one debounce caller: a burst of queries sent faster than the
// debounce delay yields a single results message for the last query.
type SearchHub struct {
	searcher StreamSearcher

	// Registered clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Stop channel
	stopChan chan struct{}
	stopOnce sync.Once

	logger *logrus.Logger
	mu     sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	// The WebSocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send   chan []byte
	closed bool
	sendMu sync.Mutex

	// Debounce caller identity
	clientID string

	// Hub reference
	hub *SearchHub

	// Last ping time, unix nanoseconds
	lastPing atomic.Int64
}

// StreamRequest is a message received from a client
type StreamRequest struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Query     *models.SearchQuery `json:"query,omitempty"`
	DelayMS   int                 `json:"delay_ms,omitempty"`
}

// StreamMessage represents a message sent over WebSocket
type StreamMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	// Inbound message types
	MessageTypeSearch = "search"
	MessageTypeCancel = "cancel"
	MessageTypePing   = "ping"

	// Outbound message types
	MessageTypeConnected = "connected"
	MessageTypeResults   = "results"
	MessageTypeError     = "error"
	MessageTypePong      = "pong"
	MessageTypeCancelled = "cancelled"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Clients silent for longer than this are disconnected
	idleTimeout = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewSearchHub creates a new search stream hub
func NewSearchHub(searcher StreamSearcher, logger *logrus.Logger) *SearchHub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SearchHub{
		searcher:   searcher,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopChan:   make(chan struct{}),
		logger:     logger,
	}
}

// Start runs the hub until Stop is called
func (h *SearchHub) Start() {
	h.logger.Info("Starting search stream hub")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ticker.C:
			h.cleanupInactiveClients()

		case <-h.stopChan:
			h.logger.Info("Search stream hub stopping")
			return
		}
	}
}

// Stop stops the hub and closes every connection
func (h *SearchHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)

		h.mu.Lock()
		defer h.mu.Unlock()

		for client := range h.clients {
			h.dropClient(client)
			client.conn.Close()
		}
	})
}

// HandleWebSocket upgrades the request and serves one client until it
// disconnects
func (h *SearchHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 64),
		clientID: uuid.NewString(),
		hub:      h,
	}
	client.lastPing.Store(time.Now().UnixNano())

	select {
	case h.register <- client:
	case <-h.stopChan:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// registerClient registers a new client
func (h *SearchHub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.logger.WithField("client", client.clientID).Info("Search stream client connected")

	client.enqueue(&StreamMessage{
		Type:      MessageTypeConnected,
		Data:      map[string]interface{}{"client_id": client.clientID},
		Timestamp: time.Now(),
	})
}

// unregisterClient unregisters a client and cancels its pending searches
func (h *SearchHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		h.dropClient(client)
		h.logger.WithField("client", client.clientID).Info("Search stream client disconnected")
	}
}

// dropClient must be called with h.mu held
func (h *SearchHub) dropClient(client *Client) {
	delete(h.clients, client)
	client.close()
	if n := h.searcher.CancelSearches(client.clientID); n > 0 {
		h.logger.WithFields(logrus.Fields{
			"client":    client.clientID,
			"cancelled": n,
		}).Debug("Cancelled pending searches of closed client")
	}
}

// cleanupInactiveClients removes clients that haven't pinged recently
func (h *SearchHub) cleanupInactiveClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout).UnixNano()

	for client := range h.clients {
		if client.lastPing.Load() < cutoff {
			h.logger.WithField("client", client.clientID).Info("Cleaning up inactive search stream client")
			h.dropClient(client)
			client.conn.Close()
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *SearchHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client methods

// enqueue queues msg without blocking. Messages to a closed client, or to one
// whose buffer is full, are dropped.
func (c *Client) enqueue(msg *StreamMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.WithError(err).Error("Failed to marshal stream message")
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.WithField("client", c.clientID).Warn("Search stream client too slow, dropping message")
		return false
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastPing.Store(time.Now().UnixNano())
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("client", c.clientID).Warn("Search stream read failed")
			}
			break
		}

		c.lastPing.Store(time.Now().UnixNano())
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(message []byte) {
	var req StreamRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.hub.logger.WithError(err).WithField("client", c.clientID).Warn("Invalid search stream message")
		c.sendError("", models.ErrInvalidInput)
		return
	}

	switch req.Type {
	case MessageTypePing:
		c.enqueue(&StreamMessage{Type: MessageTypePong, RequestID: req.RequestID, Timestamp: time.Now()})

	case MessageTypeCancel:
		n := c.hub.searcher.CancelSearches(c.clientID)
		c.enqueue(&StreamMessage{
			Type:      MessageTypeCancelled,
			RequestID: req.RequestID,
			Data:      map[string]interface{}{"cancelled": n},
			Timestamp: time.Now(),
		})

	case MessageTypeSearch:
		if req.Query == nil {
			c.sendError(req.RequestID, models.ErrInvalidInput)
			return
		}
		requestID := req.RequestID
		delay := time.Duration(req.DelayMS) * time.Millisecond
		c.hub.searcher.DebouncedSearchLatest(c.clientID, req.Query, func(resp *models.SearchResponse, err error) {
			if err != nil {
				c.sendError(requestID, err)
				return
			}
			c.enqueue(&StreamMessage{
				Type:      MessageTypeResults,
				RequestID: requestID,
				Data:      resp,
				Timestamp: time.Now(),
			})
		}, delay)

	default:
		c.hub.logger.WithFields(logrus.Fields{
			"client": c.clientID,
			"type":   req.Type,
		}).Debug("Ignoring unknown search stream message")
	}
}

func (c *Client) sendError(requestID string, err error) {
	data := map[string]interface{}{"error": err.Error()}
	var verrs models.ValidationErrors
	if errors.As(err, &verrs) {
		data["errors"] = []models.ValidationError(verrs)
	}
	c.enqueue(&StreamMessage{
		Type:      MessageTypeError,
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

var _ StreamSearcher = (*Container)(nil)
