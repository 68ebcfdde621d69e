// Package server exposes HTTP handlers, including the WebSocket upgrade with
// its admission checks and the health endpoint.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// NewWebSocketHandler builds the WebSocket upgrade handler. Admission order:
// GET only, then origin, then relay liveness — a client is refused with 503
// while either upstream subscription is down, because events it would miss
// during that window are gone for good. Only after admission is the session
// read and the connection handed to the hub.
func NewWebSocketHandler(hub *Hub, relay *EventRelay, sessions SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		if !checkOrigin(r) {
			http.Error(w, "Invalid Origin", http.StatusBadRequest)
			return
		}

		if !relay.Connected() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}

		sess, err := sessions.Read(r.Context(), r)
		if err != nil {
			log.Printf("Session read failed for %s: %v", r.RemoteAddr, err)
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr, sess)

		// Register the client with the hub; the hub will launch the pump goroutines.
		hub.register <- client
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat relay server is running!")
}
