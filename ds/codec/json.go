package codec

import (
	"encoding/json"
	"fmt"
)

// Registry maps event type names to message factories so decoded payloads
// come back as concrete types instead of generic maps.
type Registry struct {
	factories map[string]func() interface{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() interface{})}
}

// Register binds an event type name to a factory producing a pointer to a
// fresh instance of its message type. Later registrations for the same name
// replace earlier ones.
func (r *Registry) Register(eventType string, factory func() interface{}) {
	r.factories[eventType] = factory
}

// New returns a fresh message instance for the event type, reporting
// whether the type is registered.
func (r *Registry) New(eventType string) (interface{}, bool) {
	f, ok := r.factories[eventType]
	if !ok {
		return nil, false
	}
	return f(), true
}

// JSONEncoder serializes messages with encoding/json and supports JSON
// embedding, so its payloads are stored directly as JSON values.
//
// A registry is optional: with one, decoded messages come back as the
// registered concrete types; without one (or for unregistered event types)
// they come back as the generic encoding/json representation.
type JSONEncoder struct {
	registry *Registry
}

// NewJSONEncoder returns a JSONEncoder over the given registry.
// A nil registry is allowed.
func NewJSONEncoder(registry *Registry) *JSONEncoder {
	return &JSONEncoder{registry: registry}
}

// Encode implements Encoder.
func (e *JSONEncoder) Encode(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode implements Encoder.
func (e *JSONEncoder) Decode(data []byte, eventType string) (interface{}, error) {
	if e.registry != nil {
		if msg, ok := e.registry.New(eventType); ok {
			if err := json.Unmarshal(data, msg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", eventType, err)
			}
			return msg, nil
		}
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", eventType, err)
	}
	return v, nil
}

// ToJSONEmbedding implements JSONEmbedder. Encoder output is already a
// JSON value, so it passes through after a validity check.
func (e *JSONEncoder) ToJSONEmbedding(data []byte) (json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("encoder output is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// FromJSONEmbedding implements JSONEmbedder.
func (e *JSONEncoder) FromJSONEmbedding(value json.RawMessage) ([]byte, error) {
	return []byte(value), nil
}
