package protocol

import (
	"encoding/json"
	"fmt"
)

// Command represents a BiDi command sent to the remote end
type Command struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// MarshalJSON always emits params as an object, the remote rejects a null params field
func (c Command) MarshalJSON() ([]byte, error) {
	params := c.Params
	if params == nil {
		params = struct{}{}
	}

	type wire struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params"`
	}
	return json.Marshal(wire{ID: c.ID, Method: c.Method, Params: params})
}

// Kind tags which variant of the message union a decoded frame holds
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindEvent   Kind = "event"
)

// Message is one decoded inbound frame: a command result, an error response or an event.
// Result and Params stay raw because their shape depends on the method; callers
// unmarshal them into the type they expect.
type Message struct {
	Type       string          `json:"type,omitempty"`
	ID         *uint64         `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Text       string          `json:"message,omitempty"`
	Stacktrace string          `json:"stacktrace,omitempty"`
	Session    string          `json:"session,omitempty"`

	// Raw is the frame exactly as received
	Raw json.RawMessage `json:"-"`
}

// Kind classifies the message. Older remotes omit the "type" tag, so the
// shape of the payload decides when it is absent.
func (m *Message) Kind() Kind {
	switch Kind(m.Type) {
	case KindSuccess, KindError, KindEvent:
		return Kind(m.Type)
	}

	if m.Error != "" {
		return KindError
	}
	if m.ID != nil {
		return KindSuccess
	}
	return KindEvent
}

// HasID reports whether the message answers the command with the given id
func (m *Message) HasID(id uint64) bool {
	return m.ID != nil && *m.ID == id && m.Kind() != KindEvent
}

// Err converts an error response into a RemoteCommandError. It returns nil for other kinds.
func (m *Message) Err() error {
	if m.Kind() != KindError {
		return nil
	}
	return &RemoteCommandError{
		Kind:       ErrorKind(m.Error),
		Message:    m.Text,
		Stacktrace: m.Stacktrace,
	}
}

// String renders a short description for logs
func (m *Message) String() string {
	switch m.Kind() {
	case KindEvent:
		return fmt.Sprintf("event %s", m.Method)
	case KindError:
		return fmt.Sprintf("error id=%s %s: %s", idString(m.ID), m.Error, m.Text)
	default:
		return fmt.Sprintf("success id=%s", idString(m.ID))
	}
}

func idString(id *uint64) string {
	if id == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *id)
}
