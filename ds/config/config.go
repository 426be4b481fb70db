// Package config loads library configuration from a file with environment
// overrides.
//
// Load reads YAML, TOML or JSON (decided by the file extension), then lets
// DOCSTREAM_-prefixed environment variables override individual keys, with
// dots replaced by underscores: DOCSTREAM_ACCOUNT_NAME overrides
// "account.name". The section structs convert into the component configs
// they describe, overlaying file values onto each component's defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/streamhaus/docstream/ds/dedupe"
	"github.com/streamhaus/docstream/ds/queue/kafka"
	"github.com/streamhaus/docstream/ds/queue/rabbitmq"
	"github.com/streamhaus/docstream/ds/snapshot"
)

// Config is the root configuration document.
type Config struct {
	Account   AccountConfig   `mapstructure:"account"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

// AccountConfig names the storage account and its default collection.
type AccountConfig struct {
	// Name tags metrics and receipts with the target account.
	Name string `mapstructure:"name"`

	// DefaultCollection receives keys without a namespace override.
	DefaultCollection string `mapstructure:"default_collection"`
}

// SnapshotsConfig tunes snapshot recording.
type SnapshotsConfig struct {
	// Frequency persists one snapshot every Frequency sns.
	Frequency int64 `mapstructure:"frequency"`
}

// DedupeConfig tunes message deduplication.
type DedupeConfig struct {
	// Collection is the collection whose provenance records seed the
	// watermarks; empty means the account's default collection.
	Collection string `mapstructure:"collection"`

	// MaxEntries bounds the watermark cache; zero means unbounded.
	MaxEntries int `mapstructure:"max_entries"`
}

// QueueConfig selects and configures the broker bindings.
type QueueConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// KafkaConfig is the file shape of the kafka binding.
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topics   []string `mapstructure:"topics"`
	Topic    string   `mapstructure:"topic"`
	GroupID  string   `mapstructure:"group_id"`
	ClientID string   `mapstructure:"client_id"`
	Workers  int      `mapstructure:"workers"`
}

// RabbitMQConfig is the file shape of the rabbitmq binding.
type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	RoutingKey    string   `mapstructure:"routing_key"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
}

// Load reads the configuration file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("docstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("account.default_collection", "documents")
	v.SetDefault("snapshots.frequency", snapshot.DefaultFrequency)
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.Account.Name == "" {
		return fmt.Errorf("account.name is required")
	}
	if c.Snapshots.Frequency < 1 {
		return fmt.Errorf("snapshots.frequency must be >= 1")
	}
	if c.Dedupe.MaxEntries < 0 {
		return fmt.Errorf("dedupe.max_entries must be >= 0")
	}
	if c.Queue.Kafka.Enabled {
		if err := c.Queue.Kafka.Consumer().Validate(); err != nil {
			return fmt.Errorf("queue.kafka: %w", err)
		}
	}
	if c.Queue.RabbitMQ.Enabled {
		if err := c.Queue.RabbitMQ.Consumer().Validate(); err != nil {
			return fmt.Errorf("queue.rabbitmq: %w", err)
		}
	}
	return nil
}

// DeduperConfig converts the dedupe section, falling back to the
// account's default collection.
func (c Config) DeduperConfig() dedupe.Config {
	cfg := dedupe.DefaultConfig()
	if c.Dedupe.Collection != "" {
		cfg.Collection = c.Dedupe.Collection
	} else if c.Account.DefaultCollection != "" {
		cfg.Collection = c.Account.DefaultCollection
	}
	cfg.MaxEntries = c.Dedupe.MaxEntries
	cfg.Account = c.Account.Name
	return cfg
}

// WriterConfig converts the snapshots section.
func (c Config) WriterConfig() snapshot.WriterConfig {
	cfg := snapshot.DefaultWriterConfig()
	if c.Snapshots.Frequency > 0 {
		cfg.Frequency = c.Snapshots.Frequency
	}
	return cfg
}

// Consumer converts the kafka section into a consumer configuration.
func (c KafkaConfig) Consumer() kafka.ConsumerConfig {
	cfg := kafka.DefaultConsumerConfig()
	cfg.Brokers = c.Brokers
	cfg.Topics = c.Topics
	cfg.GroupID = c.GroupID
	cfg.ClientID = c.ClientID
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	return cfg
}

// Publisher converts the kafka section into a publisher configuration.
func (c KafkaConfig) Publisher() kafka.PublisherConfig {
	return kafka.PublisherConfig{
		Brokers:  c.Brokers,
		Topic:    c.Topic,
		ClientID: c.ClientID,
	}
}

// Consumer converts the rabbitmq section into a consumer configuration.
func (c RabbitMQConfig) Consumer() rabbitmq.ConsumerConfig {
	cfg := rabbitmq.DefaultConsumerConfig()
	cfg.URL = c.URL
	cfg.Exchange = c.Exchange
	cfg.Queue = c.Queue
	if len(c.RoutingKeys) > 0 {
		cfg.RoutingKeys = c.RoutingKeys
	}
	if c.ConsumerTag != "" {
		cfg.ConsumerTag = c.ConsumerTag
	}
	if c.PrefetchCount > 0 {
		cfg.PrefetchCount = c.PrefetchCount
	}
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.DeliveryQueue > 0 {
		cfg.DeliveryQueue = c.DeliveryQueue
	}
	return cfg
}

// Publisher converts the rabbitmq section into a publisher configuration.
func (c RabbitMQConfig) Publisher() rabbitmq.PublisherConfig {
	return rabbitmq.PublisherConfig{
		URL:        c.URL,
		Exchange:   c.Exchange,
		RoutingKey: c.RoutingKey,
	}
}
