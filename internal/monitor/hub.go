// Package monitor implements the bus's optional read-only observer feed: a
// TCP listener that fans out every decoded frame to connected clients.
// It never touches the bus's write path or its mutex — a slow or absent
// monitor client must never affect discovery or flashing.
package monitor

import (
	"sync"

	"bootbus/internal/logging"
	"bootbus/internal/metrics"
	"bootbus/internal/proto"
)

// Client is one connected monitor observer. Out is fed by Hub.Broadcast;
// Closed signals the writer goroutine to exit.
type Client struct {
	Out       chan proto.ReceiveRecord
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Hub fans out decoded frames to every connected client, dropping for any
// client whose outbound buffer is full rather than blocking the bus.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
}

// New creates an empty Hub.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetMonitorClients(cur)
}

// Remove unregisters a client. Safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
	if existed {
		metrics.SetMonitorClients(cur)
	}
}

// Broadcast fans rec out to every connected client, dropping it for
// clients whose buffer is currently full.
func (h *Hub) Broadcast(rec proto.ReceiveRecord) {
	clients := h.Snapshot()
	for _, c := range clients {
		select {
		case c.Out <- rec:
		default:
			metrics.IncMonitorDropped()
			logging.L().Debug("monitor_client_drop")
		}
	}
}

// Snapshot returns a slice copy of the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
