package wshub

import (
	"context"
	"log"
	"sync"

	"tablesync/internal/identity"
	"tablesync/internal/protocol"

	"github.com/coder/websocket"
)

// Client represents a single WebSocket connection in the hub.
type Client struct {
	ConnID   string
	Identity identity.Identity
	Conn     *websocket.Conn
	Send     chan []byte
}

// WritePump reads from the Send channel and writes to the WebSocket connection.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.Conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// Hub holds one room's live connections. The room is the sole writer of
// membership; other components only read through Broadcast/SendTo.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
}

// Unregister removes a client and closes its Send channel.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		close(c.Send)
		delete(h.clients, connID)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Identity(connID string) (identity.Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return identity.Identity{}, false
	}
	return c.Identity, true
}

// UserConnected reports whether any registered connection belongs to the
// user. One user may hold several connections.
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Identity.UserID == userID {
			return true
		}
	}
	return false
}

// SetIdentity rewrites a connection's identity, e.g. on host reclaim.
func (h *Hub) SetIdentity(connID string, id identity.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		c.Identity = id
	}
}

// Broadcast sends a message to every client, including the original sender.
// Non-blocking: drops for clients whose channel is full.
func (h *Hub) Broadcast(msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[WSHub] Encode error: %v\n", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.Send <- data:
		default:
			// Drop message if channel full
		}
	}
}

// SendTo delivers a message to one connection only.
func (h *Hub) SendTo(connID string, msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[WSHub] Encode error: %v\n", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if c, ok := h.clients[connID]; ok {
		select {
		case c.Send <- data:
		default:
		}
	}
}
