package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema describes the outer shape every inbound frame must have.
// A frame is a result (id + result), an error (error code) or an event (method).
const envelopeSchema = `{
	"type": "object",
	"properties": {
		"type":       {"enum": ["success", "error", "event"]},
		"id":         {"type": ["integer", "null"], "minimum": 0},
		"method":     {"type": "string", "minLength": 1},
		"params":     {"type": "object"},
		"result":     {"type": "object"},
		"error":      {"type": "string", "minLength": 1},
		"message":    {"type": "string"},
		"stacktrace": {"type": "string"},
		"session":    {"type": "string"}
	},
	"anyOf": [
		{"required": ["id", "result"]},
		{"required": ["error"]},
		{"required": ["method"]}
	]
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func envelope() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	})
	return schema, schemaErr
}

// Decode validates a raw frame against the envelope schema and decodes it
func Decode(raw []byte) (*Message, error) {
	s, err := envelope()
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, strings.Join(problems, "; "))
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg.Raw = append(json.RawMessage(nil), raw...)
	return &msg, nil
}

// Encode serializes a command into a single text frame
func Encode(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command %s: %w", cmd.Method, err)
	}
	return data, nil
}
