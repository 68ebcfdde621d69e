// Package server coordinates connection registration, presence accounting,
// targeted delivery, and connection cleanup for the WebSocket system via the
// Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// counterTimeout bounds each presence-counter round trip so a slow store
// cannot stall the hub's event loop.
const counterTimeout = 2 * time.Second

// Hub owns the live Client set and serializes all connection lifecycle
// bookkeeping through its run loop: registering a connection with the
// Registry, adjusting presence counters, and reversing both on close.
// Delivery (Send/Broadcast) is safe to call from any goroutine.
type Hub struct {
	clients    map[int64]*Client
	register   chan *Client
	unregister chan *Client

	registry   *Registry
	presence   *Presence
	dispatcher *Dispatcher

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	nextID atomic.Int64
}

// NewHub creates a Hub backed by the given registry and presence counters.
// The dispatcher is attached separately because it needs the hub for writing
// responses.
func NewHub(registry *Registry, presence *Presence) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[int64]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		registry:   registry,
		presence:   presence,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SetDispatcher attaches the request dispatcher that inbound frames are
// handed to. Must be called before the first connection registers.
func (h *Hub) SetDispatcher(d *Dispatcher) {
	h.dispatcher = d
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. This method should be called in a separate goroutine as it
// runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}
			h.registerClient(client)

		case client := <-h.unregister:
			if client == nil {
				continue
			}
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if err := h.registry.Register(client.id, client.session); err != nil {
		// Duplicate ids cannot happen with hub-assigned ids; treat as fatal
		// for this connection only.
		log.Printf("Registry rejected connection %d from %s: %v", client.id, client.addr, err)
		h.unregisterClient(client)
		if client.conn != nil {
			_ = client.conn.Close()
		}
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, counterTimeout)
	if err := h.presence.ConnectionOpened(ctx, client.session.UserID); err != nil {
		log.Printf("Presence increment failed for user %d: %v", client.session.UserID, err)
	} else if client.session.UserID != 0 {
		h.registry.MarkActive(client.id)
	}
	cancel()

	log.Printf("Client %d registered from %s (user %d). Total clients: %d",
		client.id, client.addr, client.session.UserID, clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// unregisterClient tears a connection down. It is safe to call more than
// once for the same client: the transport may race a read error against a
// broadcast failure, and every step here is a no-op the second time.
func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	_, present := h.clients[client.id]
	if present {
		delete(h.clients, client.id)
		client.closed = true
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if present {
		// Close the channel after releasing the lock.
		close(client.send)
		log.Printf("Client %d unregistered from %s. Total clients: %d", client.id, client.addr, clientCount)
	}

	userID, wasActive, ok := h.registry.Unregister(client.id)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), counterTimeout)
	defer cancel()
	if err := h.presence.ConnectionClosed(ctx, userID, wasActive); err != nil {
		log.Printf("Presence decrement failed for user %d: %v", userID, err)
	}
}

// NewConnectionID hands out the next connection id. Ids are never reused
// within a process, which keeps stale close events from touching a newer
// connection's registry entries.
func (h *Hub) NewConnectionID() int64 {
	return h.nextID.Add(1)
}

// dispatch hands one inbound frame to the request dispatcher.
func (h *Hub) dispatch(client *Client, raw []byte) {
	if h.dispatcher == nil {
		log.Printf("Dropping frame from client %d: no dispatcher attached", client.id)
		return
	}
	h.dispatcher.Dispatch(h.ctx, client.id, raw)
}

// Send writes a payload to a single connection. It reports false when the
// connection is gone or its send buffer is full; the payload is dropped in
// that case.
func (h *Hub) Send(connID int64, payload []byte) bool {
	h.mutex.RLock()
	client := h.clients[connID]
	h.mutex.RUnlock()

	if client == nil {
		return false
	}
	return h.safeSend(client, payload)
}

// Broadcast delivers a payload to each of the given connections. A slow or
// closed connection only loses its own copy; delivery to the rest proceeds.
// Connections whose send buffer is full are torn down, mirroring how the
// read path handles dead peers.
func (h *Hub) Broadcast(payload []byte, connIDs []int64) {
	var failed []*Client

	for _, connID := range connIDs {
		h.mutex.RLock()
		client := h.clients[connID]
		h.mutex.RUnlock()

		if client == nil {
			continue
		}
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}

	for _, client := range failed {
		log.Printf("Client %d from %s removed due to full send buffer", client.id, client.addr)
		h.unregisterClient(client)
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client.id]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// shutdownClients tears down every live connection, reversing its registry
// and presence bookkeeping exactly as a client-initiated close would.
// Closing each send channel lets the write pumps drain and exit instead of
// parking until the shutdown timeout.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		h.unregisterClient(client)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
