// Package docstream provides document-store streaming adapters for Go applications.
//
// This package serves as the main entry point for the docstream library.
// For the core streaming functionality, see the ds package and its subpackages:
//
//	ds           - Core types and interfaces
//	ds/docstore  - Document store abstractions
//	ds/sink      - Append-log and upsert write sinks
//	ds/reader    - Snapshot-aware stream reads
//	ds/snapshot  - Snapshot index and periodic snapshot sink
//	ds/adapters/postgres - PostgreSQL implementation
//	ds/migrations - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/streamhaus/docstream/cmd/migrate-gen -output migrations
//
//  2. Create a store and append documents:
//     store := memory.NewStore(memory.DefaultStoreConfig())
//     writer := sink.NewAppendLogWriter(store, codec, sink.DefaultConfig())
//     err := writer.Sink(ctx, intents, retryCtx)
//
//  3. Read a stream back:
//     loader := reader.New(store, codec, provider, reader.DefaultConfig())
//     result, err := loader.Load(ctx, "order-1", 0)
//
// See the examples directory for complete working examples.
package docstream

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
