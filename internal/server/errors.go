// Package server declares the sentinel errors shared by the registry,
// presence, and relay components.
package server

import "errors"

var (
	// ErrAlreadyRegistered is returned when a connection id is registered
	// twice. This indicates a transport-layer bug, not a client error.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrUnknownConnection is returned by registry lookups for a connection
	// id that is not (or no longer) registered.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrCounterUnavailable wraps counter store failures. Presence accuracy
	// degrades while the store is down; connections are not affected.
	ErrCounterUnavailable = errors.New("presence counter store unavailable")
)
