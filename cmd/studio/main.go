// Package main provides the studio CLI: dashboard query execution and
// cross-filtering against a Trilogy resolver.
package main

import (
	"os"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/cli"

	_ "github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapters/duckdb"
	_ "github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapters/postgres"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
