package signalwire

import "encoding/json"

// Frame op constants for the websocket transport protocol.
const (
	OpSubscribe   = "subscribe"   // client → relay
	OpUnsubscribe = "unsubscribe" // client → relay
	OpSend        = "send"        // client → relay
	OpMessage     = "message"     // relay → client
	OpError       = "error"       // relay → client
)

// Frame is the wire type for one websocket message between client and relay.
//
//	subscribe:   {op, id, destination}          — destination is a /room topic
//	unsubscribe: {op, id}
//	send:        {op, destination, body}        — destination is an /app dest
//	message:     {op, destination, body}        — destination is a /room topic
//	error:       {op, body}                     — body is {"error": "..."}
type Frame struct {
	Op          string          `json:"op"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}
