package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/streamhaus/docstream/ds/queue"
)

type stubHandler struct {
	mu     sync.Mutex
	seen   []queue.Message
	err    error
	waitCh chan struct{}
}

func (h *stubHandler) HandleMessage(_ context.Context, msg queue.Message) error {
	if h.waitCh != nil {
		<-h.waitCh
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg)
	return h.err
}

const goodBody = `{"collection":"orders","key":"order-1","sn":3,"event_type":"OrderPlaced","data":{"n":1}}`

func TestConsumerConfigValidate(t *testing.T) {
	cfg := ConsumerConfig{Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"documents"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Workers != 4 || cfg.QueueCapacity != 1024 || cfg.MaxPollRecords != 500 {
		t.Fatalf("tuning defaults = %+v", cfg)
	}
	if cfg.Fetch.MaxWait != time.Second {
		t.Fatalf("fetch default = %+v", cfg.Fetch)
	}

	for _, tt := range []struct {
		name   string
		mutate func(*ConsumerConfig)
	}{
		{name: "missing brokers", mutate: func(c *ConsumerConfig) { c.Brokers = nil }},
		{name: "missing topics", mutate: func(c *ConsumerConfig) { c.Topics = nil }},
		{name: "missing group", mutate: func(c *ConsumerConfig) { c.GroupID = "" }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			bad := cfg
			tt.mutate(&bad)
			if err := bad.Validate(); err == nil {
				t.Errorf("Validate() accepted %s", tt.name)
			}
		})
	}
}

func TestPublisherConfigValidate(t *testing.T) {
	if err := (PublisherConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "documents"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (PublisherConfig{Topic: "documents"}).Validate(); err == nil {
		t.Errorf("Validate() accepted missing brokers")
	}
	if err := (PublisherConfig{Brokers: []string{"127.0.0.1:9092"}}).Validate(); err == nil {
		t.Errorf("Validate() accepted missing topic")
	}
}

func TestHandleRecordNormalizesSource(t *testing.T) {
	handler := &stubHandler{}
	c := &Consumer{handler: handler}

	rec := &kgo.Record{Topic: "documents", Partition: 2, Offset: 7, Value: []byte(goodBody)}
	if err := c.handleRecord(context.Background(), rec); err != nil {
		t.Fatalf("handleRecord() error = %v", err)
	}

	if len(handler.seen) != 1 {
		t.Fatalf("handled = %d, want 1", len(handler.seen))
	}
	msg := handler.seen[0]
	if msg.Source != "kafka" || msg.SourceRef != "documents/2/7" {
		t.Fatalf("unexpected source fields: %+v", msg)
	}
	if msg.Key != "order-1" || msg.Document.Sn != 3 {
		t.Fatalf("unexpected decode: %+v", msg)
	}
	if msg.ReceivedAt.IsZero() {
		t.Fatalf("ReceivedAt not set")
	}
}

func TestOffsetCommitOnlyAfterHandlerAck(t *testing.T) {
	wait := make(chan struct{})
	handler := &stubHandler{waitCh: wait}
	c := &Consumer{
		handler: handler,
		records: make(chan *kgo.Record, 1),
		acks:    make(chan recordAck, 1),
	}
	committed := make(chan struct{}, 1)
	c.markCommit = func(*kgo.Record) { committed <- struct{}{} }
	c.commitMarked = func(context.Context) error { return nil }

	go c.handleAcks(context.Background())
	go c.runWorker(context.Background())
	defer close(c.acks)
	defer close(c.records)

	c.records <- &kgo.Record{Topic: "documents", Partition: 0, Offset: 1, Value: []byte(goodBody)}

	select {
	case <-committed:
		t.Fatalf("offset committed before the handler settled")
	case <-time.After(75 * time.Millisecond):
	}
	close(wait)
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatalf("expected commit after handler ack")
	}
}

func TestDuplicateDeliveryIsCommitted(t *testing.T) {
	c := &Consumer{acks: make(chan recordAck, 1)}
	commits := 0
	done := make(chan struct{})
	c.markCommit = func(*kgo.Record) { commits++ }
	c.commitMarked = func(context.Context) error { return nil }

	go func() {
		c.handleAcks(context.Background())
		close(done)
	}()
	c.acks <- recordAck{record: &kgo.Record{Topic: "documents", Partition: 0, Offset: 2}, err: queue.ErrDuplicate}
	close(c.acks)
	<-done
	if commits != 1 {
		t.Fatalf("expected duplicate to be committed, got %d", commits)
	}
}

func TestCommitSkipsOnHandlerFailure(t *testing.T) {
	c := &Consumer{acks: make(chan recordAck, 1)}
	commits := 0
	done := make(chan struct{})
	c.markCommit = func(*kgo.Record) { commits++ }
	c.commitMarked = func(context.Context) error { return nil }

	go func() {
		c.handleAcks(context.Background())
		close(done)
	}()
	c.acks <- recordAck{record: &kgo.Record{Topic: "documents"}, err: errors.New("append failed")}
	close(c.acks)
	<-done
	if commits != 0 {
		t.Fatalf("expected no offset commit on handler failure, got %d", commits)
	}
}

func TestCommitSkipsOnUndecodableRecord(t *testing.T) {
	handler := &stubHandler{}
	c := &Consumer{
		handler: handler,
		records: make(chan *kgo.Record, 1),
		acks:    make(chan recordAck, 1),
	}

	done := make(chan struct{})
	go func() {
		c.runWorker(context.Background())
		close(done)
	}()
	c.records <- &kgo.Record{Topic: "documents", Value: []byte(`{not-json`)}
	close(c.records)
	<-done

	ack := <-c.acks
	if ack.err == nil {
		t.Fatalf("expected decode failure in ack")
	}
	if len(handler.seen) != 0 {
		t.Fatalf("undecodable record reached the handler")
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	c := &Consumer{
		config:  ConsumerConfig{Topics: []string{"documents"}},
		records: make(chan *kgo.Record, 2),
	}
	paused := 0
	resumed := 0
	c.pauseFetch = func(...string) { paused++ }
	c.resumeFetch = func(...string) { resumed++ }

	c.records <- &kgo.Record{}
	c.records <- &kgo.Record{}
	c.maybePause()
	if paused != 1 {
		t.Fatalf("expected pause, got %d", paused)
	}
	<-c.records
	c.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}
