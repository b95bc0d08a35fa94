// Package protocol defines the wire envelope, the canonical response
// format, and the error codes shared by the hub, endpoints, and admin
// peers. A frame on the wire is exactly one JSON-encoded Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType identifies the kind of message an envelope carries.
type EnvelopeType string

const (
	// TypeHello is an optional pre-registration greeting.
	TypeHello EnvelopeType = "hello"
	// TypeRegister is sent endpoint->hub to bind an identity.
	TypeRegister EnvelopeType = "register"
	// TypeWelcome is sent by the hub on accept, carrying the peer id.
	TypeWelcome EnvelopeType = "welcome"
	// TypeAck acknowledges an envelope that has no richer reply.
	TypeAck EnvelopeType = "ack"
	// TypeCommand carries a command invocation.
	TypeCommand EnvelopeType = "command"
	// TypeResponse carries the result of a command, correlated by id.
	TypeResponse EnvelopeType = "response"
	// TypeHeartbeat is a liveness ping; receivers echo the sender's id.
	TypeHeartbeat EnvelopeType = "heartbeat"
	// TypeEvent is an unsolicited endpoint->hub notification.
	TypeEvent EnvelopeType = "event"
	// TypeError reports a protocol-level problem.
	TypeError EnvelopeType = "error"
)

// Valid reports whether t is one of the defined envelope types. An
// envelope of an unknown type is a protocol error.
func (t EnvelopeType) Valid() bool {
	switch t {
	case TypeHello, TypeRegister, TypeWelcome, TypeAck, TypeCommand,
		TypeResponse, TypeHeartbeat, TypeEvent, TypeError:
		return true
	}
	return false
}

// DefaultMaxMessageSize bounds a decoded envelope. Screenshot payloads
// travel base64-encoded inside data, so the ceiling is generous.
const DefaultMaxMessageSize = 16 << 20

// Envelope is the unit of transport between any two peers. It is
// immutable once sent; response envelopes carry the id of the command
// they answer.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New creates an envelope of the given type with a fresh id and the
// payload marshaled in place.
func New(t EnvelopeType, payload any) (*Envelope, error) {
	e := &Envelope{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		e.Payload = raw
	}
	return e, nil
}

// NewReply creates an envelope answering the given command id.
func NewReply(t EnvelopeType, id string, payload any) (*Envelope, error) {
	e, err := New(t, payload)
	if err != nil {
		return nil, err
	}
	e.ID = id
	return e, nil
}

// Encode marshals the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire frame into an envelope. Malformed JSON yields a
// *ParseError; envelopes missing type or id are rejected.
func Decode(data []byte, maxSize int64) (*Envelope, error) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, ErrTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &ParseError{Err: err}
	}
	if e.Type == "" {
		return nil, ErrMissingType
	}
	if e.ID == "" {
		return nil, ErrMissingID
	}
	return &e, nil
}

// DecodePayload unmarshals the payload into v. An absent payload leaves
// v untouched.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}

// SystemInfo describes the process an endpoint runs as. It travels
// inside the register payload and is surfaced through list_clients.
type SystemInfo struct {
	Hostname  string    `json:"hostname,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
}

// RegisterPayload is the body of a register envelope.
type RegisterPayload struct {
	Identity     string     `json:"identity"`
	Capabilities []string   `json:"capabilities"`
	Version      string     `json:"version"`
	SystemInfo   SystemInfo `json:"system_info"`
}

// WelcomePayload is the body of the hub's welcome envelope.
type WelcomePayload struct {
	PeerID            int64     `json:"peer_id"`
	ServerTime        time.Time `json:"server_time"`
	AvailableCommands []string  `json:"available_commands,omitempty"`
}

// CommandPayload is the body of a command envelope as delivered to an
// endpoint.
type CommandPayload struct {
	Command  string          `json:"command"`
	Params   json.RawMessage `json:"params,omitempty"`
	TimeoutS *float64        `json:"timeout_s,omitempty"`
}

// ForwardPayload is the body of the admin-side forward_command wrapper.
type ForwardPayload struct {
	TargetIdentity string          `json:"target_identity"`
	InnerCommand   string          `json:"inner_command"`
	InnerParams    json.RawMessage `json:"inner_params,omitempty"`
	TimeoutS       *float64        `json:"timeout_s,omitempty"`
}

// ErrorPayload is the body of a protocol-level error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload is the body of an unsolicited event envelope. The core
// routes events without interpreting Data.
type EventPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}
