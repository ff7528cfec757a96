package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/ids"
)

// Version is the session-events protocol version carried by every envelope.
const Version = "v1"

// Wire-stable envelope types.
const (
	// Client -> server.
	TypeHello = "hello"
	TypePing  = "ping"

	// Server -> client.
	TypeHelloAck            = "hello_ack"
	TypePong                = "pong"
	TypeInvalidationWarning = "invalidation_warning"
	TypeSessionsInvalidated = "sessions_invalidated"
	TypeError               = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks an inbound envelope. Only client types are accepted.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case TypeHello, TypePing:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloAckPayload confirms the authenticated identity of the stream.
type HelloAckPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// InvalidationWarningPayload announces an upcoming invalidation that covers
// the receiving session.
type InvalidationWarningPayload struct {
	InvalidationID string    `json:"invalidation_id"`
	Trigger        string    `json:"trigger"`
	Message        string    `json:"message,omitempty"`
	ExecuteAt      time.Time `json:"execute_at"`
	AllowExtension bool      `json:"allow_extension"`
}

// SessionsInvalidatedPayload reports sessions that were just invalidated.
// Current is true when the receiving session is among them; the server closes
// the stream right after delivering it.
type SessionsInvalidatedPayload struct {
	EventID    string   `json:"event_id"`
	Reason     string   `json:"reason"`
	SessionIDs []string `json:"session_ids"`
	Current    bool     `json:"current"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(typ string, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	id, err := ids.NewULID(ts)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}
