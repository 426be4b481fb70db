// Package queue carries committed stream documents across message brokers.
//
// A Message wraps one document together with its collection and stream key
// in a broker-neutral JSON envelope whose field names match the storage row
// layout. Publishers emit the envelope after a write commits; consumers
// decode it, hand it to a Handler, and settle the delivery from the
// handler's verdict: nil acknowledges, ErrDuplicate acknowledges without
// reprocessing, a retryable error requeues, anything else drops.
//
// The rabbitmq and kafka subpackages bind the contracts to concrete
// brokers. Relay is the stock Handler: it ingests consumed messages into a
// document store, skipping deliveries whose provenance was already applied.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/conflict"
)

// ErrDuplicate marks a consumed message as already ingested. Handlers
// return it (possibly wrapped) to have the delivery acknowledged without
// being treated as new work.
var ErrDuplicate = errors.New("message already ingested")

// Message is the broker-neutral envelope for one committed document.
type Message struct {
	// Collection is the target collection; empty means the consumer's
	// default.
	Collection string

	// Key is the stream key the document belongs to.
	Key string

	// Document is the committed document being carried.
	Document ds.Document

	// Source and SourceRef identify where a consumed message came from,
	// such as "rabbitmq" and its exchange/routing-key/delivery-tag
	// coordinates. Consumers set both; publishers ignore them.
	Source    string
	SourceRef string

	// ReceivedAt is the consumer-side receipt timestamp.
	ReceivedAt time.Time
}

// Validate reports whether the message can be carried.
func (m Message) Validate() error {
	if m.Key == "" {
		return errors.New("queue: message key is required")
	}
	if m.Document.Sn < 1 {
		return fmt.Errorf("queue: message sn must be >= 1, got %d", m.Document.Sn)
	}
	return nil
}

// wireMessage is the transported JSON shape. Optional fields are omitted
// when absent so a tombstone travels without a "data" key.
type wireMessage struct {
	Collection   string          `json:"collection,omitempty"`
	Key          string          `json:"key"`
	ID           string          `json:"id,omitempty"`
	StreamID     string          `json:"stream_id,omitempty"`
	Sn           int64           `json:"sn"`
	EventType    string          `json:"event_type,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	WrittenAt    string          `json:"written_at,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	SpanID       string          `json:"span_id,omitempty"`
	TTLSeconds   int64           `json:"ttl_seconds,omitempty"`
	ProvStreamID string          `json:"prov_stream_id,omitempty"`
	ProvSn       int64           `json:"prov_sn,omitempty"`
}

// Encode serializes the message for transport.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	w := wireMessage{
		Collection: m.Collection,
		Key:        m.Key,
		ID:         m.Document.ID,
		StreamID:   m.Document.StreamID,
		Sn:         m.Document.Sn,
		EventType:  m.Document.EventType,
		Data:       m.Document.Data,
		TraceID:    m.Document.TraceID,
		SpanID:     m.Document.SpanID,
	}
	if !m.Document.WrittenAt.IsZero() {
		w.WrittenAt = m.Document.WrittenAt.UTC().Format(time.RFC3339Nano)
	}
	if m.Document.TTL > 0 {
		w.TTLSeconds = int64(m.Document.TTL / time.Second)
	}
	if p := m.Document.Provenance; p != nil {
		w.ProvStreamID = p.StreamID
		w.ProvSn = p.Sn
	}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("queue: encode message: %w", err)
	}
	return body, nil
}

// Decode parses a transported envelope. Only the carried fields are
// filled; Source, SourceRef and ReceivedAt belong to the consumer.
func Decode(body []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return Message{}, fmt.Errorf("queue: decode message: %w", err)
	}
	m := Message{
		Collection: w.Collection,
		Key:        w.Key,
		Document: ds.Document{
			ID:        w.ID,
			StreamID:  w.StreamID,
			Sn:        w.Sn,
			EventType: w.EventType,
			Data:      append(json.RawMessage(nil), w.Data...),
			TraceID:   w.TraceID,
			SpanID:    w.SpanID,
			TTL:       time.Duration(w.TTLSeconds) * time.Second,
		},
	}
	if w.WrittenAt != "" {
		t, err := time.Parse(time.RFC3339Nano, w.WrittenAt)
		if err != nil {
			return Message{}, fmt.Errorf("queue: decode written_at: %w", err)
		}
		m.Document.WrittenAt = t.UTC()
	}
	if w.ProvStreamID != "" {
		m.Document.Provenance = &ds.Provenance{StreamID: w.ProvStreamID, Sn: w.ProvSn}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Publisher emits messages to a broker destination.
type Publisher interface {
	// Publish emits one message, returning once the broker has accepted
	// it.
	Publish(ctx context.Context, msg Message) error

	// Close releases the broker connection.
	Close() error
}

// Handler processes one consumed message.
//
// Return nil to acknowledge the delivery, ErrDuplicate for a message that
// was already ingested, a retryable error to have it redelivered, or any
// other error to drop it.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Consumer feeds broker deliveries to a Handler.
type Consumer interface {
	// Start begins delivery. It either blocks for the consumer's
	// lifetime or returns once background delivery is running, as
	// documented by each implementation.
	Start(ctx context.Context) error

	// Close drains in-flight work and releases the broker connection.
	Close() error
}

// IsRetryable reports whether a handler error should trigger a
// redelivery. Store backoff responses qualify, as does any error exposing
// a true Temporary method.
func IsRetryable(err error) bool {
	if conflict.IsRetryable(err) {
		return true
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
