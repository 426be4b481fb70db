// Command migrate-gen generates SQL provisioning files for the relational
// document store adapters.
//
// Usage:
//
//	go run github.com/streamhaus/docstream/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/streamhaus/docstream/cmd/migrate-gen -output migrations
//
// Generate provisioning for different database adapters:
//
//	go run github.com/streamhaus/docstream/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/streamhaus/docstream/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/streamhaus/docstream/cmd/migrate-gen -adapter sqlite -output migrations
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/streamhaus/docstream/ds/migrations"
)

func main() {
	var (
		adapter           = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder      = flag.String("output", "migrations", "Output folder for provisioning file")
		outputFilename    = flag.String("filename", "", "Output filename (default: timestamp-based)")
		documentsTable    = flag.String("documents-table", "documents", "Name of append log table")
		materializedTable = flag.String("materialized-table", "materialized_documents", "Name of materialized documents table")
	)

	flag.Parse()

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.DocumentsTable = *documentsTable
	config.MaterializedTable = *materializedTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	var err error
	switch *adapter {
	case "postgres":
		err = migrations.GeneratePostgres(&config)
	case "mysql":
		err = migrations.GenerateMySQL(&config)
	case "sqlite":
		err = migrations.GenerateSQLite(&config)
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported adapter '%s'. Supported adapters are: postgres, mysql, sqlite\n", *adapter)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating provisioning: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s provisioning: %s/%s\n", *adapter, config.OutputFolder, config.OutputFilename)
}
