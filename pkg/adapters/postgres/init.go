// Package postgres provides a PostgreSQL data connection adapter.
//
// This file registers the PostgreSQL adapter with the adapter registry.
// Import this package with a blank identifier to register the adapter:
//
//	import _ "github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapters/postgres"
package postgres

import (
	"log/slog"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapter"
)

func init() {
	adapter.Register("postgres", func(logger *slog.Logger) adapter.Adapter { return New(logger) }, "postgresql")
}
