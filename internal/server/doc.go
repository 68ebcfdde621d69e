// Package server implements the real-time layer of the chat application: a
// registry of live WebSocket connections with their session and user
// identities, presence counters kept in an external store, a relay that
// forwards broker events to the matching connections, and a dispatcher that
// routes validated client requests to the business-logic processor.
//
// The implementation is organized into specialized files for the registry,
// presence, relay, dispatcher, transport (hub/client), configuration, and
// the Redis-backed collaborator implementations to keep the codebase
// maintainable and testable as the project grows.
package server
