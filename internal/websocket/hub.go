// Package websocket streams live invoice views to browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/facturapp/factura-backend/internal/errors"
	"github.com/facturapp/factura-backend/internal/live"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/gorilla/websocket"
)

// Frame types
const (
	FrameList   = "invoices"
	FrameDetail = "invoice"
	FrameError  = "error"
)

// Client is one websocket connection bound to one live subscription.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	UserID string
	Sub    *live.Subscription
	List   bool // list view, otherwise detail view
	Send   chan []byte

	quit     chan struct{}
	quitOnce sync.Once
}

// NewClient binds an upgraded connection to a subscription.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, sub *live.Subscription, list bool) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		UserID: userID,
		Sub:    sub,
		List:   list,
		Send:   make(chan []byte, sendBuffer),
		quit:   make(chan struct{}),
	}
}

// Serve registers the client and starts its pumps.
func (c *Client) Serve() {
	c.Hub.Register(c)
	go c.forward()
	go c.WritePump()
	go c.ReadPump()
}

func (c *Client) stop() {
	c.quitOnce.Do(func() {
		close(c.quit)
		go c.Sub.Cancel()
	})
}

// forward encodes every snapshot into Send and closes Send when the
// subscription ends.
func (c *Client) forward() {
	defer close(c.Send)
	for snap := range c.Sub.C() {
		data, err := EncodeSnapshot(snap, c.List)
		if err != nil {
			logger.Error("Failed to encode snapshot", err, logger.Fields{
				"user_id": c.UserID,
			})
			continue
		}
		select {
		case c.Send <- data:
		case <-c.quit:
			return
		}
	}
}

// EncodeSnapshot renders a snapshot as a JSON frame. List frames always carry
// an invoices array; detail frames carry a null invoice once it is gone.
func EncodeSnapshot(snap live.Snapshot, list bool) ([]byte, error) {
	if snap.Err != nil {
		info := errors.ParseError(snap.Err, "invoice fetch")
		return json.Marshal(map[string]interface{}{
			"type":    FrameError,
			"error":   info.Code,
			"message": info.Message,
		})
	}

	frame := map[string]interface{}{
		"final": snap.Final,
	}
	if list {
		frame["type"] = FrameList
		frame["invoices"] = snap.Invoices
		if snap.Invoices == nil {
			frame["invoices"] = []interface{}{}
		}
	} else {
		frame["type"] = FrameDetail
		frame["invoice"] = snap.Invoice
	}
	return json.Marshal(frame)
}

// Hub keeps track of connected clients per user.
type Hub struct {
	clients map[string][]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed once Run has returned

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string][]*Client),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.UserID] = append(h.clients[client.UserID], client)
			sessions := len(h.clients[client.UserID])
			h.mu.Unlock()
			logger.Info("WebSocket client registered", logger.Fields{
				"user_id":        client.UserID,
				"total_sessions": sessions,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			remaining := h.remove(client)
			h.mu.Unlock()
			logger.Info("WebSocket client unregistered", logger.Fields{
				"user_id":            client.UserID,
				"remaining_sessions": remaining,
			})
		}
	}
}

func (h *Hub) remove(client *Client) int {
	clientList := h.clients[client.UserID]
	kept := clientList[:0]
	for _, c := range clientList {
		if c != client {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(h.clients, client.UserID)
		return 0
	}
	h.clients[client.UserID] = kept
	return len(kept)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, clientList := range h.clients {
		for _, c := range clientList {
			c.stop()
			c.Conn.Close()
		}
		delete(h.clients, userID)
	}
}

// Register adds the client. Once the hub has stopped the client is closed
// instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.stop()
		client.Conn.Close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Sessions returns the number of open connections of the user.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
