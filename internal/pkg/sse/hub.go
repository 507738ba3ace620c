package sse

import (
	"encoding/json"
	"sync"
)

// Event is one server-sent event
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// FormatSSE renders the event in wire format
func (e Event) FormatSSE() string {
	data, _ := json.Marshal(e.Data)
	return "event: " + e.Type + "\ndata: " + string(data) + "\n\n"
}

// Client is one subscriber connection. Resource is the subscription key,
// e.g. "chat:<id>".
type Client struct {
	ID       string
	Channel  chan Event
	Resource string
}

// Hub fans events out to subscribers grouped by resource
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]bool)}
}

// Register adds a subscriber
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.Resource] == nil {
		h.clients[client.Resource] = make(map[*Client]bool)
	}
	h.clients[client.Resource][client] = true
}

// Unregister removes a subscriber and closes its channel
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[client.Resource]
	if !ok {
		return
	}
	if _, exists := clients[client]; exists {
		delete(clients, client)
		close(client.Channel)
		if len(clients) == 0 {
			delete(h.clients, client.Resource)
		}
	}
}

// Broadcast delivers an event to every subscriber of resource. A slow
// subscriber with a full buffer is skipped rather than blocking the
// producer.
func (h *Hub) Broadcast(resource string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[resource] {
		select {
		case client.Channel <- event:
		default:
		}
	}
}

// ClientCount returns how many subscribers a resource has
func (h *Hub) ClientCount(resource string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[resource])
}
