package config

import "time"

// Default configuration values.
const (
	DefaultStatePath       = ".studio/state.db"
	DefaultEditorsDir      = "editors"
	DefaultResolverAddress = "http://localhost:5678"
	DefaultResolverTimeout = 30 * time.Second
	DefaultServerPort      = 8765
	DefaultPostgresPort    = 5432
)

var defaultSchemas = map[string]string{
	"duckdb":   "main",
	"postgres": "public",
}
