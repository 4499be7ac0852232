package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"bizinbox/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard is served from another origin; auth is the token
	},
}

// Client is one connected dashboard tab.
type Client struct {
	id         string
	businessID string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
}

// Event is the frame pushed to dashboards.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`
}

type delivery struct {
	businessID string
	payload    []byte
}

// Hub fans events out to the clients of one business at a time.
type Hub struct {
	clients    map[string]map[*Client]bool
	broadcast  chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	log     *zap.Logger
	metrics *metrics.Registry
}

func NewHub(log *zap.Logger, m *metrics.Registry) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan delivery, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
		metrics:    m,
	}
}

// Run owns the client set until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					close(client.send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			h.metrics.RealtimeClients.Set(0)
			return nil
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.businessID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.businessID] = set
			}
			set[client] = true
			h.mu.Unlock()
			h.metrics.RealtimeClients.Inc()
			h.log.Debug("realtime client registered", zap.String("client", client.id), zap.String("business_id", client.businessID))
		case client := <-h.unregister:
			h.remove(client)
		case d := <-h.broadcast:
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients[d.businessID] {
				select {
				case client.send <- d.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.log.Warn("dropping slow realtime client", zap.String("client", client.id))
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[client.businessID]
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.businessID)
	}
	close(client.send)
	h.metrics.RealtimeClients.Dec()
}

// Publish queues an event for every client of businessID. It never blocks
// once the hub has stopped.
func (h *Hub) Publish(businessID, eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, At: time.Now().UTC()})
	if err != nil {
		h.log.Error("marshal realtime event", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- delivery{businessID: businessID, payload: payload}:
	case <-h.done:
	}
}

// Count returns the number of connected clients for a business.
func (h *Hub) Count(businessID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[businessID])
}

// ServeWs upgrades the request and attaches the connection to businessID.
// The caller must have authenticated the request.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, businessID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		id:         uuid.NewString(),
		businessID: businessID,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Clients only send pings and close frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
