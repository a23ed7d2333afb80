// Package signaling implements the pub/sub signaling transport: a persistent,
// auto-reconnecting websocket connection to the relay, authenticated with a
// bearer credential. The call orchestrator depends only on the Transport
// interface; Client is the production implementation.
package signaling

import "errors"

// ErrNotConnected is returned by Send and Subscribe while the transport has
// no live connection. Callers surface this instead of queuing — there is no
// offline delivery.
var ErrNotConnected = errors.New("signaling: not connected")

// Handler receives the raw JSON body of every message published on a
// subscribed topic. Handlers for one connection are invoked sequentially in
// arrival order; they must not block.
type Handler func(topic string, body []byte)

// Transport is the signaling surface the call orchestrator consumes.
type Transport interface {
	// IsReady reports whether the connection is established and usable.
	IsReady() bool

	// Subscribe registers a handler for a topic and returns a subscription ID.
	// Subscriptions survive reconnects — the transport resubscribes them.
	Subscribe(topic string, h Handler) (string, error)

	// Unsubscribe removes a subscription by ID. Unknown IDs are a no-op.
	Unsubscribe(id string)

	// Send publishes body (JSON-encoded) to a destination.
	// Returns ErrNotConnected when the transport is not ready.
	Send(destination string, body any) error
}
