// Package rabbitmq binds the queue contracts to RabbitMQ.
//
// The publisher declares a durable topic exchange and emits one envelope
// per committed document, routed by "<collection>.<key>". The consumer
// declares a durable queue bound to the same exchange, consumes with
// manual acknowledgement, and settles each delivery from the handler's
// verdict: success and duplicates are acked, retryable failures are
// nacked back onto the queue, everything else is dropped.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/queue"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// URL is the broker endpoint, amqp:// or amqps://.
	URL string

	// Exchange is the topic exchange the envelopes are published to.
	Exchange string

	// RoutingKey overrides the per-message "<collection>.<key>" routing
	// key when set.
	RoutingKey string

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger
}

// Validate reports whether the configuration is usable.
func (c PublisherConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	return nil
}

// Publisher emits document envelopes to a topic exchange.
type Publisher struct {
	config PublisherConfig
	conn   *amqp091.Connection
	ch     *amqp091.Channel
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp091.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(config.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{config: config, conn: conn, ch: ch}, nil
}

// Publish implements queue.Publisher. The envelope is sent persistent so
// it survives a broker restart alongside the documents it mirrors.
func (p *Publisher) Publish(ctx context.Context, msg queue.Message) error {
	body, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	key := p.config.RoutingKey
	if key == "" {
		key = routingKey(msg)
	}
	err = p.ch.PublishWithContext(ctx, p.config.Exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.Document.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.config.Exchange, key, err)
	}
	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "message published",
			"exchange", p.config.Exchange,
			"routing_key", key,
			"sn", msg.Document.Sn)
	}
	return nil
}

// Close implements queue.Publisher.
func (p *Publisher) Close() error {
	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// routingKey derives the topic routing key for a message: collection and
// stream key joined with a dot, or the key alone without a collection.
func routingKey(msg queue.Message) string {
	if msg.Collection == "" {
		return msg.Key
	}
	return msg.Collection + "." + msg.Key
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// URL is the broker endpoint, amqp:// or amqps://.
	URL string

	// Exchange is the topic exchange the queue binds to.
	Exchange string

	// Queue is the durable queue consumed from.
	Queue string

	// RoutingKeys are the binding patterns; empty means everything.
	RoutingKeys []string

	// ConsumerTag identifies this consumer on the channel.
	ConsumerTag string

	// PrefetchCount caps unacknowledged deliveries per channel.
	PrefetchCount int

	// Workers is the number of concurrent handler goroutines. Deliveries
	// spread across workers, so set 1 when stream order must hold end to
	// end.
	Workers int

	// DeliveryQueue is the capacity of the internal hand-off buffer
	// between the broker reader and the workers.
	DeliveryQueue int

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger
}

// DefaultConsumerConfig returns the default configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		RoutingKeys:   []string{"#"},
		ConsumerTag:   "docstream",
		PrefetchCount: 32,
		Workers:       4,
		DeliveryQueue: 256,
	}
}

// Validate reports whether the configuration is usable.
func (c ConsumerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	return nil
}

func (c *ConsumerConfig) withDefaults() {
	def := DefaultConsumerConfig()
	if len(c.RoutingKeys) == 0 {
		c.RoutingKeys = def.RoutingKeys
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = def.ConsumerTag
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = def.PrefetchCount
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = def.DeliveryQueue
	}
}

// Consumer feeds queue deliveries to a handler with manual acks.
type Consumer struct {
	config  ConsumerConfig
	handler queue.Handler

	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery

	ops      chan amqp091.Delivery
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

// NewConsumer creates a Consumer. Zero-valued tuning fields fall back to
// the defaults.
func NewConsumer(config ConsumerConfig, handler queue.Handler) (*Consumer, error) {
	config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Consumer{
		config:  config,
		handler: handler,
		ops:     make(chan amqp091.Delivery, config.DeliveryQueue),
		closed:  make(chan struct{}),
	}, nil
}

// Start implements queue.Consumer. It declares the exchange, queue and
// bindings, begins consuming, and returns once the background reader and
// workers are running.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp091.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.config.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range c.config.RoutingKeys {
		if err := ch.QueueBind(c.config.Queue, key, c.config.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(c.config.Queue, c.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	c.conn, c.ch, c.deliver = conn, ch, deliveries

	c.wg.Add(1)
	go c.readLoop(ctx)
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx)
	}
	return nil
}

// Close implements queue.Consumer. Deliveries still in the hand-off
// buffer stay unacknowledged, so the broker requeues them once the
// channel closes.
func (c *Consumer) Close() error {
	select {
	case <-c.closed:
		if v := c.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(c.closed)
	}
	if c.ch != nil {
		_ = c.ch.Cancel(c.config.ConsumerTag, false)
	}
	c.wg.Wait()
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		c.closeErr.Store(err)
	}
	return err
}

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case d, ok := <-c.deliver:
			if !ok {
				return
			}
			select {
			case c.ops <- d:
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Consumer) workerLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case d := <-c.ops:
			c.processDelivery(ctx, d)
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, d amqp091.Delivery) {
	msg, err := queue.Decode(d.Body)
	if err != nil {
		if c.config.Logger != nil {
			c.config.Logger.Warn(ctx, "dropping undecodable delivery",
				"exchange", d.Exchange,
				"routing_key", d.RoutingKey,
				"error", err)
		}
		_ = d.Nack(false, false)
		return
	}
	msg.Source = "rabbitmq"
	msg.SourceRef = fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)
	msg.ReceivedAt = time.Now().UTC()

	switch err := c.handler.HandleMessage(ctx, msg); {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, queue.ErrDuplicate):
		// Already ingested; settle the delivery as done.
		_ = d.Ack(false)
	case queue.IsRetryable(err):
		_ = d.Nack(false, true)
	default:
		if c.config.Logger != nil {
			c.config.Logger.Error(ctx, "dropping failed delivery",
				"key", msg.Key,
				"sn", msg.Document.Sn,
				"source_ref", msg.SourceRef,
				"error", err)
		}
		_ = d.Nack(false, false)
	}
}

var (
	_ queue.Publisher = (*Publisher)(nil)
	_ queue.Consumer  = (*Consumer)(nil)
)
