package realtime

import "encoding/json"

// Reserved envelope types handled by the manager itself. Everything else is
// application-defined and dispatched by exact string match.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope is the wire format spoken with the dashboard backend:
// a type tag plus an opaque payload object.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
