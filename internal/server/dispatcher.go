// Package server validates inbound client requests and routes them to the
// business-logic processor, writing correlated responses back to the
// originating connection.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
)

// responder writes one outbound payload to a single connection. It reports
// false when the connection is gone; the dispatcher discards the response in
// that case.
type responder interface {
	Send(connID int64, payload []byte) bool
}

// errorData is the response body for requests rejected by the dispatcher
// itself, before they reach the processor.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Dispatcher handles one decoded inbound frame per call. A frame may be a
// single request object or an array of them; arrays are expanded into a flat
// sequence and processed strictly in order, so responses on one connection
// always correlate with the order requests arrived.
type Dispatcher struct {
	registry  *Registry
	processor Processor
	sender    responder
}

// NewDispatcher wires a dispatcher to its registry, processor, and transport.
func NewDispatcher(registry *Registry, processor Processor, sender responder) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		processor: processor,
		sender:    sender,
	}
}

// Dispatch processes a raw inbound frame from connID, writing one response
// per request object contained in it.
func (d *Dispatcher) Dispatch(ctx context.Context, connID int64, raw []byte) {
	for _, request := range flattenRequests(raw) {
		d.dispatchOne(ctx, connID, request)
	}
}

// flattenRequests expands (possibly nested) JSON arrays into the ordered
// sequence of request objects they contain. Anything that is not an array is
// passed through for per-object validation.
func flattenRequests(raw []byte) []json.RawMessage {
	queue := []json.RawMessage{raw}
	var requests []json.RawMessage

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		trimmed := bytes.TrimLeft(item, " \t\r\n")
		if len(trimmed) == 0 || trimmed[0] != '[' {
			requests = append(requests, item)
			continue
		}

		var elements []json.RawMessage
		if err := json.Unmarshal(item, &elements); err != nil {
			requests = append(requests, item)
			continue
		}
		queue = append(append([]json.RawMessage{}, elements...), queue...)
	}

	return requests
}

func (d *Dispatcher) dispatchOne(ctx context.Context, connID int64, raw json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		d.writeError(connID, nil, "invalid_request", "invalid payload received", 400)
		return
	}

	requestID := fields["request_id"]
	endpointRaw := fields["endpoint"]
	if isNull(requestID) || isNull(endpointRaw) {
		d.writeError(connID, requestID, "invalid_request", "invalid payload received", 400)
		return
	}

	var endpoint string
	if err := json.Unmarshal(endpointRaw, &endpoint); err != nil {
		d.writeError(connID, requestID, "invalid_request", "invalid payload received", 400)
		return
	}

	args, ok := decodeArgs(fields["args"])
	if !ok {
		d.writeError(connID, requestID, "bad_request", "bad request", 400)
		return
	}

	// Room subscriptions mutate the registry directly and never reach the
	// processor. A subscribe without an integer room_id falls through and is
	// rejected by the processor like any other malformed endpoint call.
	if endpoint == "subscribe" {
		if roomID, isInt := integerArg(fields["args"], "room_id"); isInt {
			if err := d.registry.SubscribeRoom(connID, roomID); err != nil {
				if !errors.Is(err, ErrUnknownConnection) {
					log.Printf("Room subscribe failed for connection %d: %v", connID, err)
				}
				return
			}
			d.writeResponse(connID, requestID, 200, "success", nil)
			return
		}
	}

	sess, err := d.registry.SessionData(connID)
	if err != nil {
		// Connection already unregistered; any response would be undeliverable.
		return
	}

	caller := Caller{UserID: sess.UserID, Name: sess.UserName, Avatar: sess.UserAvatar}
	result, err := d.processor.Process(ctx, endpoint, args, fields["payload"], caller)
	if err != nil {
		log.Printf("Processor error for endpoint %q from connection %d: %v", endpoint, connID, err)
		d.writeError(connID, requestID, "internal_error", "internal error", 500)
		return
	}

	d.writeResponse(connID, requestID, result.Status, result.Data, result.Links)
}

// decodeArgs validates that args, when present, is a flat object of scalar
// values and decodes it. It reports false for anything else.
func decodeArgs(raw json.RawMessage) (map[string]any, bool) {
	if raw == nil {
		return nil, true
	}

	var rawArgs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawArgs); err != nil {
		return nil, false
	}

	args := make(map[string]any, len(rawArgs))
	for key, value := range rawArgs {
		if !isScalar(value) {
			return nil, false
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return nil, false
		}
		args[key] = decoded
	}
	return args, true
}

// isNull reports whether a raw JSON value is absent or the literal null.
func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// isScalar reports whether a raw JSON value is a string, number, or boolean.
// Objects, arrays, and null are not scalars.
func isScalar(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '"', 't', 'f', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}

// integerArg extracts args[name] when it is a JSON integer (no fraction, no
// exponent).
func integerArg(argsRaw json.RawMessage, name string) (int64, bool) {
	if argsRaw == nil {
		return 0, false
	}

	var rawArgs map[string]json.RawMessage
	if err := json.Unmarshal(argsRaw, &rawArgs); err != nil {
		return 0, false
	}

	value, exists := rawArgs[name]
	if !exists {
		return 0, false
	}

	var number json.Number
	if err := json.Unmarshal(value, &number); err != nil {
		return 0, false
	}
	n, err := number.Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *Dispatcher) writeResponse(connID int64, requestID json.RawMessage, status int, data, links any) {
	message, err := json.Marshal(responseEnvelope{
		RequestID: requestID,
		Status:    status,
		Data:      data,
		Links:     links,
	})
	if err != nil {
		log.Printf("Error encoding response for connection %d: %v", connID, err)
		return
	}
	d.sender.Send(connID, message)
}

func (d *Dispatcher) writeError(connID int64, requestID json.RawMessage, code, message string, status int) {
	d.writeResponse(connID, requestID, status, errorData{Code: code, Message: message}, nil)
}
