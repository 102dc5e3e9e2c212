// Package config loads the studio CLI configuration.
//
// Values are layered defaults < studio.yaml < STUDIO_ environment variables <
// explicitly set flags.
package config

import (
	"time"

	sharedcfg "github.com/trilogy-data/trilogy-studio-core-sub000/internal/config"
)

// ConnectionConfig is an alias for the shared connection configuration.
type ConnectionConfig = sharedcfg.ConnectionConfig

// ResolverConfig locates the query resolver service.
type ResolverConfig struct {
	Address string        `koanf:"address"`
	Timeout time.Duration `koanf:"timeout"`
}

// ExecutorConfig tunes the per-dashboard query executors.
type ExecutorConfig struct {
	MaxConcurrentQueries int           `koanf:"max_concurrent_queries"`
	RetryAttempts        int           `koanf:"retry_attempts"`
	RetryBaseDelay       time.Duration `koanf:"retry_base_delay"`
	BatchDelay           time.Duration `koanf:"batch_delay"`
	BatchParallelism     int           `koanf:"batch_parallelism"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port  int  `koanf:"port"`
	Watch bool `koanf:"watch"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	Endpoint string        `koanf:"endpoint"`
	Insecure bool          `koanf:"insecure"`
	Interval time.Duration `koanf:"interval"`
}

// Config holds all CLI configuration options.
type Config struct {
	StatePath         string                      `koanf:"state_path"`
	EditorsDir        string                      `koanf:"editors_dir"`
	DefaultConnection string                      `koanf:"default_connection"`
	Verbose           bool                        `koanf:"verbose"`
	OutputFormat      string                      `koanf:"output"`
	Resolver          ResolverConfig              `koanf:"resolver"`
	Connections       map[string]ConnectionConfig `koanf:"connections"`
	Executor          ExecutorConfig              `koanf:"executor"`
	Server            ServerConfig                `koanf:"server"`
	Telemetry         TelemetryConfig             `koanf:"telemetry"`

	// ConfigFile is the file that was loaded, empty when none was found.
	ConfigFile string `koanf:"-"`
}

// Output formats.
const (
	OutputTable = "table"
	OutputJSON  = "json"
)
