package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/adapters/memory"
	"github.com/streamhaus/docstream/ds/docstore"
	"github.com/streamhaus/docstream/ds/queue"
)

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	cleanup := func() { _ = c.Terminate(ctx) }
	return url, cleanup
}

// publishRaw bypasses the Publisher so malformed bodies can be injected.
func publishRaw(t *testing.T, url, exchange, key string, body []byte) {
	t.Helper()
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()
	if err := ch.PublishWithContext(context.Background(), exchange, key, false, false, amqp091.Publishing{ContentType: "application/json", Body: body}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// recordingHandler counts deliveries and answers from a scripted func.
type recordingHandler struct {
	mu   sync.Mutex
	seen []queue.Message
	fn   func(queue.Message) error
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg queue.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg)
	if h.fn != nil {
		return h.fn(msg)
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func awaitLog(t *testing.T, store docstore.Store, key string, want int) []ds.Document {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		docs, _, err := store.ReadRange(context.Background(), docstore.RangeQuery{Collection: "orders", Key: key, FromSn: 1})
		if err != nil {
			t.Fatalf("read range: %v", err)
		}
		if len(docs) >= want {
			return docs
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d documents on %q", want, key)
	return nil
}

func TestAdapterIntegration_RelayEndToEnd(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	store := memory.NewStore(memory.DefaultStoreConfig())
	relay := queue.NewRelay(store, nil, queue.RelayConfig{Collection: "orders"})

	consumer, err := NewConsumer(ConsumerConfig{
		URL:         url,
		Exchange:    "docstream.documents",
		Queue:       "docstream.relay",
		RoutingKeys: []string{"orders.*"},
		Workers:     1,
	}, relay)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("consumer start: %v", err)
	}
	defer consumer.Close()

	publisher, err := NewPublisher(PublisherConfig{URL: url, Exchange: "docstream.documents"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	for sn := int64(1); sn <= 3; sn++ {
		msg := queue.Message{
			Collection: "orders",
			Key:        "order-1",
			Document: ds.Document{
				StreamID:  "order-1",
				Sn:        sn,
				EventType: "OrderPlaced",
				Data:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, sn)),
			},
		}
		if err := publisher.Publish(ctx, msg); err != nil {
			t.Fatalf("publish sn %d: %v", sn, err)
		}
	}
	publishRaw(t, url, "docstream.documents", "orders.order-1", []byte(`{"key":"order-1"`))

	docs := awaitLog(t, store, "order-1", 3)
	for i, doc := range docs {
		if doc.Sn != int64(i+1) {
			t.Fatalf("docs out of order: %+v", docs)
		}
	}

	// The malformed body must have been dropped, not requeued.
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()
	out, err := ch.Consume("docstream.relay", "verify-empty", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume verify queue: %v", err)
	}
	select {
	case d := <-out:
		_ = d.Nack(false, true)
		t.Fatalf("expected malformed message to be dropped, got %s", d.Body)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestAdapterIntegration_DuplicateDeliveryAcked(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	store := memory.NewStore(memory.DefaultStoreConfig())
	relay := queue.NewRelay(store, nil, queue.RelayConfig{Collection: "orders"})

	consumer, err := NewConsumer(ConsumerConfig{
		URL:         url,
		Exchange:    "docstream.documents2",
		Queue:       "docstream.dupes",
		RoutingKeys: []string{"orders.*"},
		Workers:     1,
	}, relay)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("consumer start: %v", err)
	}
	defer consumer.Close()

	publisher, err := NewPublisher(PublisherConfig{URL: url, Exchange: "docstream.documents2"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	msg := queue.Message{
		Collection: "orders",
		Key:        "order-9",
		Document:   ds.Document{StreamID: "order-9", Sn: 1, EventType: "OrderPlaced", Data: json.RawMessage(`{"n":1}`)},
	}
	if err := publisher.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := publisher.Publish(ctx, msg); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}

	docs := awaitLog(t, store, "order-9", 1)
	// Give the duplicate time to arrive, then confirm it did not append.
	time.Sleep(500 * time.Millisecond)
	docs, _, err = store.ReadRange(context.Background(), docstore.RangeQuery{Collection: "orders", Key: "order-9", FromSn: 1})
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected single document after duplicate delivery, got %d", len(docs))
	}
}

func TestAdapterIntegration_RetryableRedelivery(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	retryOnce := true
	handler := &recordingHandler{fn: func(queue.Message) error {
		if retryOnce {
			retryOnce = false
			return temporaryError{errors.New("retry me")}
		}
		return nil
	}}

	consumer, err := NewConsumer(ConsumerConfig{
		URL:         url,
		Exchange:    "docstream.documents3",
		Queue:       "docstream.retries",
		RoutingKeys: []string{"orders.*"},
		Workers:     1,
	}, handler)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("consumer start: %v", err)
	}
	defer consumer.Close()

	publisher, err := NewPublisher(PublisherConfig{URL: url, Exchange: "docstream.documents3"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	msg := queue.Message{
		Collection: "orders",
		Key:        "order-5",
		Document:   ds.Document{StreamID: "order-5", Sn: 1, EventType: "OrderPlaced", Data: json.RawMessage(`{"n":1}`)},
	}
	if err := publisher.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if handler.count() >= 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected redelivery after retryable nack, got deliveries=%d", handler.count())
}
