package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// SubscriptionMessage is what browsers send to pick streams
type SubscriptionMessage struct {
	Type string `json:"type"` // SUBSCRIBE or UNSUBSCRIBE
	Data struct {
		SubscriptionName string `json:"subscriptionName"`
	} `json:"data"`
}

// Hub tracks websocket clients and the streams each one follows
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: map[*Client]struct{}{}, log: log.Named("ws")}
}

// Broadcast sends ev to every client subscribed to channel. Clients whose
// buffer is full are dropped.
func (h *Hub) Broadcast(channel string, ev protocol.Event) {
	msg, err := protocol.EncodeEvent(ev)
	if err != nil {
		h.log.Error("ws_encode_failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.IsSubscribed(channel) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("ws_client_too_slow", zap.String("client", c.id))
		h.unregister(c)
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("ws_client_connected", zap.String("client", c.id), zap.Int("total", n))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.Debug("ws_client_disconnected", zap.String("client", c.id), zap.Int("total", n))
	}
}

// ServeHTTP upgrades the connection and starts the client pumps
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		subscriptions: map[string]bool{},
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// Client is one websocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) setSubscribed(channel string, on bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if on {
		c.subscriptions[channel] = true
	} else {
		delete(c.subscriptions, channel)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws_read_failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Data.SubscriptionName == "" {
			c.hub.log.Debug("ws_invalid_message", zap.String("client", c.id))
			continue
		}
		switch msg.Type {
		case "SUBSCRIBE":
			c.setSubscribed(msg.Data.SubscriptionName, true)
		case "UNSUBSCRIBE":
			c.setSubscribed(msg.Data.SubscriptionName, false)
		default:
			c.hub.log.Debug("ws_unknown_type", zap.String("client", c.id), zap.String("type", msg.Type))
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
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
