// Package server relays events from the external pub/sub broker to the
// matching live connections, resubscribing indefinitely after failures.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"
)

const (
	roomChannel = "chat:room"
	userChannel = "chat:user"

	// Delay between a dropped subscription and the next subscribe attempt.
	// Fixed, no backoff growth; retries continue until the process exits.
	relayRetryDelay = time.Second
)

// broadcaster delivers a payload to a set of connections. A failing
// connection must not affect delivery to the others.
type broadcaster interface {
	Broadcast(payload []byte, connIDs []int64)
}

// EventRelay keeps one long-lived subscription per logical channel (room
// events and user events) and pushes each decoded event to the connections
// the Registry resolves for it. The two channels fail and recover
// independently; each runs the cycle SUBSCRIBING → ACTIVE → RETRY_WAIT →
// SUBSCRIBING with at most one subscribe attempt outstanding at a time.
type EventRelay struct {
	pubsub     PubSubClient
	registry   *Registry
	sender     broadcaster
	retryDelay time.Duration

	roomConnected atomic.Bool
	userConnected atomic.Bool
}

// NewEventRelay creates a relay that resolves targets through registry and
// delivers through sender.
func NewEventRelay(pubsub PubSubClient, registry *Registry, sender broadcaster) *EventRelay {
	return &EventRelay{
		pubsub:     pubsub,
		registry:   registry,
		sender:     sender,
		retryDelay: relayRetryDelay,
	}
}

// Run starts both channel loops. It returns immediately; the loops stop when
// ctx is cancelled.
func (r *EventRelay) Run(ctx context.Context) {
	go r.runChannel(ctx, roomChannel, &r.roomConnected, r.handleRoomEvent)
	go r.runChannel(ctx, userChannel, &r.userConnected, r.handleUserEvent)
}

// Connected reports whether both upstream subscriptions are currently live.
// The handshake admission check refuses new connections while it is false.
func (r *EventRelay) Connected() bool {
	return r.roomConnected.Load() && r.userConnected.Load()
}

func (r *EventRelay) runChannel(ctx context.Context, channel string, connected *atomic.Bool, handle func([]byte)) {
	for {
		sub, err := r.pubsub.Subscribe(ctx, channel)
		if err != nil {
			log.Printf("Subscribe to %s failed: %v; retrying in %s", channel, err, r.retryDelay)
			if !sleepOrDone(ctx, r.retryDelay) {
				return
			}
			continue
		}

		connected.Store(true)
		log.Printf("Subscribed to %s", channel)

		for payload := range sub.Events() {
			handle(payload)
		}

		connected.Store(false)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}

		log.Printf("Subscription to %s ended: %v; retrying in %s", channel, sub.Err(), r.retryDelay)
		if !sleepOrDone(ctx, r.retryDelay) {
			return
		}
	}
}

// handleRoomEvent forwards a room event to every connection subscribed to
// the room; events for rooms without subscribers are dropped silently.
func (r *EventRelay) handleRoomEvent(payload []byte) {
	var event struct {
		RoomID  int64           `json:"room_id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("Dropping undecodable room event: %v", err)
		return
	}

	conns := r.registry.ConnectionsForRoom(event.RoomID)
	if len(conns) == 0 {
		return
	}
	r.deliver(event.Type, event.Payload, conns)
}

// handleUserEvent forwards a user-targeted event to every connection across
// all of that user's sessions.
func (r *EventRelay) handleUserEvent(payload []byte) {
	var event struct {
		UserID  int64           `json:"user_id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("Dropping undecodable user event: %v", err)
		return
	}

	conns := r.registry.ConnectionsForUser(event.UserID)
	if len(conns) == 0 {
		return
	}
	r.deliver(event.Type, event.Payload, conns)
}

func (r *EventRelay) deliver(eventType string, data json.RawMessage, conns []int64) {
	message, err := json.Marshal(eventEnvelope{
		Status: "event",
		Type:   eventType,
		Data:   data,
	})
	if err != nil {
		log.Printf("Error encoding event envelope: %v", err)
		return
	}
	r.sender.Broadcast(message, conns)
}

// sleepOrDone waits for the given delay and reports false if ctx was
// cancelled first.
func sleepOrDone(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
