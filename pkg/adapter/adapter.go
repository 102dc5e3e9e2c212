// Package adapter provides the data connection contract used to run
// resolved SQL for dashboard queries.
//
// Concrete adapter implementations are in pkg/adapters/ subdirectories and
// register themselves with this package from their init() functions.
package adapter

import (
	"context"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Config is an alias for core.AdapterConfig.
type Config = core.AdapterConfig

// Adapter defines the interface that all database adapters must implement.
type Adapter interface {
	// Connect establishes a connection to the database using the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close closes the database connection and releases resources.
	Close() error

	// Ping verifies the connection is still alive.
	Ping(ctx context.Context) error

	// Exec executes a SQL statement that doesn't return rows.
	Exec(ctx context.Context, sql string) error

	// Query executes a SQL statement and materializes its rows.
	Query(ctx context.Context, sql string) (*core.Results, error)

	// DialectName returns the resolver dialect this adapter speaks.
	DialectName() string
}
