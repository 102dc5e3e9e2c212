// Package duckdb provides a DuckDB data connection adapter.
//
// This file registers the DuckDB adapter with the adapter registry.
// Import this package with a blank identifier to register the adapter:
//
//	import _ "github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapters/duckdb"
package duckdb

import (
	"log/slog"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapter"
)

func init() {
	adapter.Register("duckdb", func(logger *slog.Logger) adapter.Adapter { return New(logger) }, Dialect)
}
