// Package codec converts logical messages to and from the JSON values
// stored in document data fields.
//
// Document stores round-trip every field through JSON, so binary encoder
// output cannot be persisted as-is. A payload is stored in one of two
// representations, chosen by a capability check on the configured encoder:
// encoders that can express their output as a JSON value embed it directly,
// all others have their bytes wrapped in an array-of-byte-values structure.
// See EncodedPayload for the stored shapes.
package codec

import (
	"encoding/json"
	"fmt"
)

// Encoder converts messages to and from their serialized byte form.
type Encoder interface {
	// Encode serializes a message.
	Encode(msg interface{}) ([]byte, error)

	// Decode deserializes a message of the named event type.
	Decode(data []byte, eventType string) (interface{}, error)
}

// JSONEmbedder is the optional capability of encoders whose output can be
// stored directly as a JSON value instead of a wrapped byte array.
type JSONEmbedder interface {
	// ToJSONEmbedding converts encoder output into a JSON value.
	ToJSONEmbedding(data []byte) (json.RawMessage, error)

	// FromJSONEmbedding recovers encoder output from a stored JSON value.
	FromJSONEmbedding(value json.RawMessage) ([]byte, error)
}

// Codec pairs an encoder with the stored-payload conversion rules.
type Codec struct {
	enc      Encoder
	embedder JSONEmbedder
}

// New returns a Codec over the given encoder. The embedding capability is
// detected once here, not per call.
func New(enc Encoder) *Codec {
	c := &Codec{enc: enc}
	if e, ok := enc.(JSONEmbedder); ok {
		c.embedder = e
	}
	return c
}

// Encode converts a message into the document data value.
//
// A nil message returns nil data: tombstones are passed through as absent,
// never encoded.
func (c *Codec) Encode(msg interface{}) (json.RawMessage, error) {
	if msg == nil {
		return nil, nil
	}
	b, err := c.enc.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if c.embedder != nil {
		v, err := c.embedder.ToJSONEmbedding(b)
		if err != nil {
			return nil, fmt.Errorf("failed to embed payload: %w", err)
		}
		return v, nil
	}
	return wrapRawBytes(b)
}

// Decode converts stored document data back into a message.
//
// Nil or empty data returns a nil message, the tombstone marker. Both byte
// wrapper shapes are recognized; any other JSON value is treated as an
// embedded payload.
func (c *Codec) Decode(data json.RawMessage, eventType string) (interface{}, error) {
	p := Sniff(data)
	switch p.Kind {
	case PayloadAbsent:
		return nil, nil
	case PayloadRaw:
		msg, err := c.enc.Decode(p.Raw, eventType)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		return msg, nil
	default:
		b := []byte(p.Embedded)
		if c.embedder != nil {
			var err error
			b, err = c.embedder.FromJSONEmbedding(p.Embedded)
			if err != nil {
				return nil, fmt.Errorf("failed to recover embedded payload: %w", err)
			}
		}
		msg, err := c.enc.Decode(b, eventType)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		return msg, nil
	}
}
