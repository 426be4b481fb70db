// Package migrations provides SQL provisioning generation for the
// relational document store adapters.
//
// To generate provisioning files, use the migrate-gen command:
//
//	go run github.com/streamhaus/docstream/cmd/migrate-gen -output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/streamhaus/docstream/cmd/migrate-gen -output ../../migrations
//
// Then run:
//
//	go generate ./...
//
// The PostgreSQL output defines the append_stream and upsert_stream
// functions. Their rejection messages follow the layout the conflict
// package parses, so a changed message shape is a breaking change.
package migrations

//go:generate go run ../../cmd/migrate-gen -output example_migrations -filename example.sql
