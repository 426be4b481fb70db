// Package kafka binds the queue contracts to Kafka.
//
// The publisher produces one envelope per committed document, keyed by
// the stream key so a stream always lands in one partition and keeps its
// order. The consumer polls with auto-commit disabled and marks offsets
// only after the handler acknowledges a record as ingested or duplicate;
// anything else stays uncommitted and comes back after a rebalance.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/queue"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Brokers are the seed broker addresses.
	Brokers []string

	// Topic is the topic envelopes are produced to.
	Topic string

	// ClientID identifies this producer to the brokers.
	ClientID string

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger
}

// Validate reports whether the configuration is usable.
func (c PublisherConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	return nil
}

// Publisher produces document envelopes to a topic.
type Publisher struct {
	config PublisherConfig
	client *kgo.Client
}

// NewPublisher creates a Publisher. Extra client options, such as TLS or
// SASL dialing, are appended after the derived ones.
func NewPublisher(config PublisherConfig, opts ...kgo.Opt) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.DefaultProduceTopic(config.Topic),
	}
	if config.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(config.ClientID))
	}
	kopts = append(kopts, opts...)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Publisher{config: config, client: client}, nil
}

// Publish implements queue.Publisher. It waits for broker acknowledgement
// before returning.
func (p *Publisher) Publish(ctx context.Context, msg queue.Message) error {
	body, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: p.config.Topic,
		Key:   []byte(msg.Key),
		Value: body,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.config.Topic, err)
	}
	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "message published",
			"topic", p.config.Topic,
			"key", msg.Key,
			"sn", msg.Document.Sn)
	}
	return nil
}

// Close implements queue.Publisher.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

// FetchConfig tunes the consumer's fetch requests.
type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Brokers are the seed broker addresses.
	Brokers []string

	// Topics are the topics consumed from.
	Topics []string

	// GroupID is the consumer group.
	GroupID string

	// ClientID identifies this consumer to the brokers.
	ClientID string

	// Workers is the number of concurrent handler goroutines. Partition
	// order is preserved per worker hand-off only with a single worker.
	Workers int

	// MaxPollRecords caps the records taken per poll.
	MaxPollRecords int

	// QueueCapacity is the size of the internal record buffer; when it
	// fills, fetching pauses until the workers catch up.
	QueueCapacity int

	// Fetch tunes the underlying fetch requests.
	Fetch FetchConfig

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger
}

// DefaultConsumerConfig returns the default configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:        4,
		MaxPollRecords: 500,
		QueueCapacity:  1024,
		Fetch: FetchConfig{
			MinBytes: 1,
			MaxBytes: 50 << 20,
			MaxWait:  time.Second,
		},
	}
}

func (c *ConsumerConfig) withDefaults() {
	def := DefaultConsumerConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = def.MaxPollRecords
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = def.Fetch.MinBytes
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = def.Fetch.MaxBytes
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = def.Fetch.MaxWait
	}
}

// Validate reports whether the configuration is usable.
func (c ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("kafka topics are required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka group_id is required")
	}
	return nil
}

// Consumer polls records and feeds them to a handler, committing offsets
// only for settled deliveries.
type Consumer struct {
	config  ConsumerConfig
	handler queue.Handler

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

// NewConsumer creates a Consumer. Zero-valued tuning fields fall back to
// the defaults; extra client options are appended after the derived ones.
func NewConsumer(config ConsumerConfig, handler queue.Handler, opts ...kgo.Opt) (*Consumer, error) {
	config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.GroupID),
		kgo.ConsumeTopics(config.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(config.Fetch.MaxWait),
		kgo.FetchMinBytes(config.Fetch.MinBytes),
		kgo.FetchMaxBytes(config.Fetch.MaxBytes),
	}
	if config.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(config.ClientID))
	}
	kopts = append(kopts, opts...)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	c := &Consumer{
		config:  config,
		handler: handler,
		client:  client,
		records: make(chan *kgo.Record, config.QueueCapacity),
		acks:    make(chan recordAck, config.QueueCapacity),
	}
	c.markCommit = func(r *kgo.Record) { client.MarkCommitRecords(r) }
	c.commitMarked = func(ctx context.Context) error { return client.CommitMarkedOffsets(ctx) }
	c.pauseFetch = func(topics ...string) { _ = client.PauseFetchTopics(topics...) }
	c.resumeFetch = func(topics ...string) { client.ResumeFetchTopics(topics...) }
	return c, nil
}

// Start implements queue.Consumer. It runs the poll loop on the calling
// goroutine until the context ends or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	defer c.client.Close()

	var ackWg sync.WaitGroup
	ackWg.Add(1)
	go func() {
		defer ackWg.Done()
		c.handleAcks(ctx)
	}()

	var workerWg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			c.runWorker(ctx)
		}()
	}

	// Workers drain the record buffer first, then the ack channel closes
	// so every settled record still reaches the committer.
	defer func() {
		close(c.records)
		workerWg.Wait()
		close(c.acks)
		ackWg.Wait()
	}()

	for {
		if err := ctx.Err(); err != nil || c.closed.Load() {
			return err
		}
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("poll records: %w", errs[0].Err)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				c.enqueue(rec)
			}
		})
		c.client.AllowRebalance()
	}
}

// Close implements queue.Consumer. It stops the poll loop; Start returns
// once the workers have drained.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.client.Close()
	return nil
}

// enqueue hands one record to the workers, pausing the fetch while the
// buffer is full.
func (c *Consumer) enqueue(rec *kgo.Record) {
	for {
		select {
		case c.records <- rec:
			c.maybeResume()
			return
		default:
			c.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (c *Consumer) runWorker(ctx context.Context) {
	for rec := range c.records {
		err := c.handleRecord(ctx, rec)
		if err != nil && c.config.Logger != nil && !errors.Is(err, queue.ErrDuplicate) {
			c.config.Logger.Error(ctx, "record not settled",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"error", err)
		}
		c.acks <- recordAck{record: rec, err: err}
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) error {
	msg, err := queue.Decode(rec.Value)
	if err != nil {
		return err
	}
	msg.Source = "kafka"
	msg.SourceRef = fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	msg.ReceivedAt = time.Now().UTC()
	return c.handler.HandleMessage(ctx, msg)
}

// handleAcks commits offsets for ingested and duplicate records. Failed
// records stay unmarked and are consumed again after a rebalance.
func (c *Consumer) handleAcks(ctx context.Context) {
	for ack := range c.acks {
		if ack.record == nil {
			continue
		}
		if ack.err != nil && !errors.Is(ack.err, queue.ErrDuplicate) {
			continue
		}
		c.markCommit(ack.record)
		_ = c.commitMarked(ctx)
	}
}

func (c *Consumer) maybePause() {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if c.paused {
		return
	}
	if len(c.records) < cap(c.records) {
		return
	}
	c.pauseFetch(c.config.Topics...)
	c.paused = true
}

func (c *Consumer) maybeResume() {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if !c.paused {
		return
	}
	if len(c.records) > cap(c.records)/2 {
		return
	}
	c.resumeFetch(c.config.Topics...)
	c.paused = false
}

var (
	_ queue.Publisher = (*Publisher)(nil)
	_ queue.Consumer  = (*Consumer)(nil)
)
