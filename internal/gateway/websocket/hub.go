// Package websocket is the Client Gateway: the WebSocket-facing dispatcher
// exposing project, chat, terminal, file, git, port, and layout operations
// to browser clients, and fanning per-sandbox events into the sockets that
// subscribed to them.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/logger"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// Hub manages all WebSocket client connections and the per-sandbox
// subscriber sets. Browser subscriptions are weak references: they index
// sandboxes but do not keep them alive.
type Hub struct {
	clients     map[*Client]bool
	clientsByID map[string]*Client

	// sandboxSubscribers maps sandboxId → subscribed clients.
	sandboxSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub around a message dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		clientsByID:        make(map[string]*Client),
		sandboxSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		dispatcher:         dispatcher,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.clientsByID[client.ID] = client
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		delete(h.clientsByID, client.ID)
	}
	h.sandboxSubscribers = make(map[string]map[*Client]bool)
}

// removeClient drops a client and scrubs it from every subscriber set.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	delete(h.clientsByID, client.ID)
	close(client.send)

	for sandboxID := range client.subscriptions {
		if subs, ok := h.sandboxSubscribers[sandboxID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sandboxSubscribers, sandboxID)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Subscribe adds a client id to a sandbox's subscriber set. Unknown client
// ids are ignored (the socket raced its own disconnect).
func (h *Hub) Subscribe(sandboxID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clientsByID[clientID]
	if !ok {
		return
	}
	if _, ok := h.sandboxSubscribers[sandboxID]; !ok {
		h.sandboxSubscribers[sandboxID] = make(map[*Client]bool)
	}
	h.sandboxSubscribers[sandboxID][client] = true
	client.subscriptions[sandboxID] = true

	h.logger.Debug("client subscribed to sandbox",
		zap.String("client_id", clientID),
		zap.String("sandbox_id", sandboxID))
}

// BroadcastToSandbox delivers one copy of msg to every subscriber of the
// sandbox, preserving the caller's per-sandbox event order.
func (h *Hub) BroadcastToSandbox(sandboxID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.sandboxSubscribers[sandboxID]))
	for client := range h.sandboxSubscribers[sandboxID] {
		subs = append(subs, client)
	}
	h.mu.RUnlock()

	for _, client := range subs {
		select {
		case client.send <- data:
		default:
			// Buffer full; the message is dropped for this client.
		}
	}
}

// BroadcastProjects delivers a projects-namespace message to every
// connected client; project lists are not sandbox-scoped.
func (h *Hub) BroadcastProjects(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal project broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// SendToClient delivers msg to one client; false when the client is gone.
func (h *Hub) SendToClient(clientID string, msg *ws.Message) bool {
	h.mu.RLock()
	client, ok := h.clientsByID[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// SubscriberCount reports how many clients watch a sandbox.
func (h *Hub) SubscriberCount(sandboxID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sandboxSubscribers[sandboxID])
}

// Dispatcher returns the message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher { return h.dispatcher }
