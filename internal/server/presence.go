// Package server tracks per-user presence counters in the external counter
// store, keeping "connected" and "active" counts consistent across
// connect/disconnect pairs.
package server

import (
	"context"
	"fmt"
)

const (
	counterConnected = "ws:connected"
	counterActive    = "ws:active"
)

// Presence maintains the per-user connection counters. It holds no state of
// its own; atomicity is delegated entirely to the counter store, which
// deletes a field once it reaches exactly zero. Anonymous connections
// (user id 0) are never counted.
type Presence struct {
	store CounterStore
}

// NewPresence creates a Presence backed by the given counter store.
func NewPresence(store CounterStore) *Presence {
	return &Presence{store: store}
}

// Adjust adds delta to the field under key and returns the resulting value
// (0 when the store deleted the field). Store failures are reported as
// ErrCounterUnavailable; callers treat them as a degradation, not a reason
// to drop the connection.
func (p *Presence) Adjust(ctx context.Context, key string, userID int64, delta int64) (int64, error) {
	value, err := p.store.Adjust(ctx, key, fmt.Sprintf("%d", userID), delta)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	return value, nil
}

// ConnectionOpened counts a newly registered connection for userID.
func (p *Presence) ConnectionOpened(ctx context.Context, userID int64) error {
	if userID == 0 {
		return nil
	}

	if _, err := p.Adjust(ctx, counterConnected, userID, 1); err != nil {
		return err
	}
	_, err := p.Adjust(ctx, counterActive, userID, 1)
	return err
}

// ConnectionClosed reverses ConnectionOpened. The active counter is only
// decremented when the connection had actually been counted as active, so a
// close racing a failed open never drives a counter negative.
func (p *Presence) ConnectionClosed(ctx context.Context, userID int64, wasActive bool) error {
	if userID == 0 {
		return nil
	}

	if _, err := p.Adjust(ctx, counterConnected, userID, -1); err != nil {
		return err
	}
	if !wasActive {
		return nil
	}
	_, err := p.Adjust(ctx, counterActive, userID, -1)
	return err
}
