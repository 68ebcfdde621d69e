// Package server defines the shared protocol types and external collaborator
// contracts that are reused across transport, dispatch, and relay logic.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Session holds the identity context resolved for a connection at handshake
// time. A session may back several connections at once (multiple tabs).
// UserID 0 means anonymous.
type Session struct {
	ID         string
	UserID     int64
	UserName   string
	UserAvatar string
}

// Caller identifies the user on whose behalf a request is processed.
type Caller struct {
	UserID int64
	Name   string
	Avatar string
}

// Result is what the business-logic processor returns for a single request.
// Status, Data, and Links are written back to the client verbatim.
type Result struct {
	Status int
	Data   any
	Links  any
}

// SessionStore resolves the session associated with an incoming HTTP request.
// Implementations must return an anonymous session rather than an error when
// the request carries no usable session reference.
type SessionStore interface {
	Read(ctx context.Context, r *http.Request) (*Session, error)
}

// Processor is the external business-logic service that interprets validated
// requests. Failures it reports through Result.Status are forwarded to the
// client as-is and never retried.
type Processor interface {
	Process(ctx context.Context, endpoint string, args map[string]any, payload json.RawMessage, caller Caller) (*Result, error)
}

// CounterStore provides atomic per-key/per-field counters. Adjust adds delta
// to the field and returns the resulting value; a result of exactly zero
// deletes the field so idle users leave no row behind.
type CounterStore interface {
	Adjust(ctx context.Context, key, field string, delta int64) (int64, error)
}

// PubSubClient subscribes to named channels on the external broker.
type PubSubClient interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one live channel subscription. Events yields raw event
// payloads and is closed when the subscription dies; Err reports why and is
// only meaningful after Events has been closed.
type Subscription interface {
	Events() <-chan []byte
	Err() error
	Close() error
}

// eventEnvelope is the fixed shape pushed to clients for relayed events,
// distinguished from request/response traffic by its "status": "event" marker.
type eventEnvelope struct {
	Status string          `json:"status"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// responseEnvelope correlates a processed request back to the client.
// RequestID echoes the inbound request_id, or null when it was absent.
type responseEnvelope struct {
	RequestID json.RawMessage `json:"request_id"`
	Status    int             `json:"status"`
	Data      any             `json:"data"`
	Links     any             `json:"links"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
