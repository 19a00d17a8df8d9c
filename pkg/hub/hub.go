// Package hub fans call events out to monitor WebSocket clients using a
// channel-based broadcast loop.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-salescall/pkg/protocol"
)

// event is an encoded message tagged with the call it belongs to.
type event struct {
	callID string
	data   []byte
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Name for logging
	name   string
	logger *slog.Logger

	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan event

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex for client count (read-only access from outside)
	mu sync.RWMutex

	running atomic.Bool
	dropped atomic.Uint64
}

// New creates a new Hub
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and blocks until ctx is done, closing
// every client on the way out.
// This should be called in a goroutine
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("monitor client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("monitor client disconnected", "clients", count)

		case ev := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.follows(ev.callID) {
					continue
				}
				select {
				case client.send <- ev.data:
				default:
					// Client's buffer is full - they're too slow
					close(client.send)
					delete(h.clients, client)
					h.dropped.Add(1)
					h.logger.Warn("dropped slow monitor client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a pre-encoded JSON message for the clients following
// callID. Clients without a call filter receive everything.
func (h *Hub) Broadcast(callID string, data []byte) {
	select {
	case h.broadcast <- event{callID: callID, data: data}:
	default:
		// Broadcast channel full - drop message
		h.dropped.Add(1)
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastMessage encodes and broadcasts an envelope about callID
func (h *Hub) BroadcastMessage(callID string, msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	h.Broadcast(callID, data)
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of messages and clients dropped for
// backpressure.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}
