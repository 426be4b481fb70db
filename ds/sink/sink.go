// Package sink provides the write sinks that stream batches of intents
// into a document store.
//
// Two variants exist. AppendLogWriter is the event-sourced sink: it turns a
// batch into one atomic conditional multi-insert per stream key, assigning
// sequence numbers deterministically. UpsertWriter is the materialized-view
// sink: it collapses a batch into a single last-write-wins upsert, with a
// streaming mode that skips the optimistic concurrency check entirely.
//
// Both cooperate with an external retry controller and never loop
// themselves: transient store errors are returned (after forwarding any
// server backoff hint), sequence conflicts and unknown errors are delivered
// through the controller's bail path.
package sink

import (
	"context"
	"errors"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/docstore"
)

var (
	// ErrNoIntents indicates an attempt to sink an empty batch.
	ErrNoIntents = errors.New("no intents to write")
)

// Sink is the write entry point shared by all sink variants.
type Sink interface {
	// Sink writes one batch of intents, cooperating with the given
	// retry context as described in the package documentation.
	Sink(ctx context.Context, intents []ds.WriteIntent, rc ds.RetryContext) error
}

// Config contains the shared configuration for the write sinks.
// Configuration is immutable after construction.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger ds.Logger

	// Metrics receives one record per store round trip.
	// If nil, metrics are disabled.
	Metrics ds.MetricsSink

	// Classifier decides how store errors are handled.
	// If nil, the built-in classifier is used.
	Classifier conflict.Classifier

	// Account tags metrics with the target account name
	Account string

	// DefaultCollection is the collection name reported in metrics for
	// keys without a namespace override
	DefaultCollection string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultCollection: "documents",
		Logger:            nil, // No logging by default
	}
}

// Option is a functional option for configuring a sink.
type Option func(*Config)

// WithLogger sets a logger for the sink.
func WithLogger(logger ds.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets a metrics sink for store round trips.
func WithMetrics(metrics ds.MetricsSink) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithClassifier sets a custom error classifier.
func WithClassifier(classifier conflict.Classifier) Option {
	return func(c *Config) {
		c.Classifier = classifier
	}
}

// WithAccount sets the account name used to tag metrics.
func WithAccount(account string) Option {
	return func(c *Config) {
		c.Account = account
	}
}

// WithDefaultCollection sets the collection name reported in metrics for
// keys without a namespace override.
func WithDefaultCollection(name string) Option {
	return func(c *Config) {
		c.DefaultCollection = name
	}
}

// NewConfig creates a new sink configuration with functional options.
// It starts with the default configuration and applies the given options.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// normalize fills in the config's required collaborators.
func (c Config) normalize() Config {
	if c.Classifier == nil {
		c.Classifier = conflict.NewClassifier()
	}
	return c
}

// collectionTag resolves the metrics collection tag for a target.
func (c Config) collectionTag(target ds.StreamTarget) string {
	if target.Collection != "" {
		return target.Collection
	}
	return c.DefaultCollection
}

// recordCall reports one store round trip to the metrics sink.
func (c Config) recordCall(ctx context.Context, op string, target ds.StreamTarget, receipt docstore.Receipt, err error) {
	if c.Metrics == nil {
		return
	}

	kind := ds.CallSuccess
	status := receipt.StatusCode
	charge := receipt.RequestCharge
	if err != nil {
		kind = ds.CallError
		if c.Classifier.Classify(err) == conflict.KindConflict {
			kind = ds.CallSequenceConflict
		}
		var reqErr *docstore.RequestError
		if errors.As(err, &reqErr) {
			status = reqErr.StatusCode
			charge = reqErr.Charge
		}
	}

	c.Metrics.RecordStoreCall(ctx, ds.StoreCall{
		Op:            op,
		Account:       c.Account,
		Collection:    c.collectionTag(target),
		Kind:          kind,
		StatusCode:    status,
		RequestCharge: charge,
	})
}

// dispatchStoreError routes a failed store call according to its
// classification.
//
// Transient errors install the server backoff hint when present and are
// returned unchanged so the retry controller tries again. Conflicts are
// wrapped into a *conflict.SequenceConflict and delivered through Bail, as
// is every error of unknown shape: neither can succeed by blind retry.
func dispatchStoreError(ctx context.Context, c Config, rc ds.RetryContext, err error) error {
	switch c.Classifier.Classify(err) {
	case conflict.KindTransient:
		if d, ok := c.Classifier.RetryAfter(err); ok {
			rc.SetNextRetryInterval(d)
			if c.Logger != nil {
				c.Logger.Debug(ctx, "honoring server backoff hint", "retry_after", d)
			}
		}
		if c.Logger != nil {
			c.Logger.Info(ctx, "transient store failure, leaving retry to controller", "error", err.Error())
		}
		return err

	case conflict.KindConflict:
		sc := &conflict.SequenceConflict{Details: c.Classifier.Details(err), Cause: err}
		if c.Logger != nil {
			c.Logger.Error(ctx, "sequence conflict",
				"key", sc.Details.Key,
				"new_sn", sc.Details.NewSn,
				"expected_sn", sc.Details.ExpectedSn,
				"actual_sn", sc.Details.ActualSn)
		}
		rc.Bail(sc)
		return sc

	default:
		if c.Logger != nil {
			c.Logger.Error(ctx, "fatal store failure", "error", err.Error())
		}
		rc.Bail(err)
		return err
	}
}
