package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedPayload is returned when a frame is not a single JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

// Message is an opaque JSON object relayed between the peer and the local side.
//
// A Message keeps the exact bytes it was parsed from, so relaying it in either
// direction is byte-for-byte lossless. The zero value is an empty message and
// is never sent.
type Message struct {
	raw []byte
}

// ParseMessage validates data as a single JSON object and wraps a copy of it.
// Scalars, arrays, invalid JSON and invalid UTF-8 are rejected with
// ErrMalformedPayload.
func ParseMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedPayload)
	}
	if trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	// Frames go out as WebSocket text frames, which must be UTF-8.
	if !utf8.Valid(trimmed) {
		return Message{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformedPayload)
	}
	if !json.Valid(trimmed) {
		return Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return Message{raw: raw}, nil
}

// NewMessage encodes v as JSON. v must encode to a JSON object (a struct or a map).
func NewMessage(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return ParseMessage(data)
}

// MustMessage is NewMessage for literals known to be valid. It panics on error.
func MustMessage(v any) Message {
	msg, err := NewMessage(v)
	if err != nil {
		panic(err)
	}
	return msg
}

// Bytes returns the serialized form of the message. Callers must not modify it.
func (m Message) Bytes() []byte {
	return m.raw
}

// IsZero reports whether m holds no payload.
func (m Message) IsZero() bool {
	return len(m.raw) == 0
}

// Decode unmarshals the message into v.
func (m Message) Decode(v any) error {
	if m.IsZero() {
		return fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}
	return json.Unmarshal(m.raw, v)
}

func (m Message) String() string {
	return string(m.raw)
}

// MarshalJSON implements json.Marshaler so a Message can be embedded in other
// JSON documents.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte("null"), nil
	}
	return m.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler with the same validation as ParseMessage.
func (m *Message) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMessage(data)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// linkStateKey is the key the watch app reads to show or hide its control window.
const linkStateKey = "connected"

var (
	linkDown = Message{raw: []byte(`{"connected":false}`)}
	linkUp   = Message{raw: []byte(`{"connected":true}`)}
)

// LinkStateMessage returns the synthetic notification sent to the local side
// when the peer link comes up or goes down.
func LinkStateMessage(connected bool) Message {
	if connected {
		return linkUp
	}
	return linkDown
}

// LinkState reports whether m is a link-state notification and, if so, its value.
// Only messages whose sole key is "connected" with a boolean value qualify.
func (m Message) LinkState() (connected bool, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.raw, &fields); err != nil || len(fields) != 1 {
		return false, false
	}
	value, found := fields[linkStateKey]
	if !found {
		return false, false
	}
	if err := json.Unmarshal(value, &connected); err != nil {
		return false, false
	}
	return connected, true
}
