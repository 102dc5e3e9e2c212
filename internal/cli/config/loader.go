package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	sharedcfg "github.com/trilogy-data/trilogy-studio-core-sub000/internal/config"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/connection"
)

// EnvPrefix is the prefix of configuration environment variables.
// Nested keys use a double underscore: STUDIO_RESOLVER__ADDRESS.
const EnvPrefix = "STUDIO_"

var configFileNames = []string{"studio.yaml", "studio.yml"}

// flagKeys maps flags whose names differ from their config key.
var flagKeys = map[string]string{
	"state":    "state_path",
	"editors":  "editors_dir",
	"resolver": "resolver.address",
	"port":     "server.port",
	"watch":    "server.watch",
	"otlp":     "telemetry.endpoint",
}

type (
	loggerKey struct{}
	configKey struct{}
)

func defaults() map[string]any {
	return map[string]any{
		"state_path":                      sharedcfg.DefaultStatePath,
		"editors_dir":                     sharedcfg.DefaultEditorsDir,
		"output":                          OutputTable,
		"resolver.address":                sharedcfg.DefaultResolverAddress,
		"resolver.timeout":                sharedcfg.DefaultResolverTimeout.String(),
		"executor.max_concurrent_queries": 10,
		"executor.retry_attempts":         2,
		"executor.retry_base_delay":       "1s",
		"executor.batch_parallelism":      4,
		"server.port":                     sharedcfg.DefaultServerPort,
		"server.watch":                    true,
	}
}

// findConfigFile returns the explicit path or the first studio.yaml/yml in dir.
func findConfigFile(explicit, dir string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range configFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// envKey turns STUDIO_RESOLVER__ADDRESS into resolver.address.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Load builds the configuration. cfgFile may be empty, in which case studio.yaml
// is looked up in the working directory. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	path := findConfigFile(cfgFile, cwd)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if mapped, ok := flagKeys[f.Name]; ok {
				key = mapped
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ConfigFile = path

	// Relative paths in a config file are anchored at the file's directory.
	if path != "" {
		base := filepath.Dir(path)
		cfg.StatePath = resolvePathRelativeTo(cfg.StatePath, base, ":memory:")
		cfg.EditorsDir = resolvePathRelativeTo(cfg.EditorsDir, base)
	}

	for name, c := range cfg.Connections {
		c.ApplyDefaults()
		c.ExpandEnv()
		if c.Type == "duckdb" && path != "" {
			c.Path = resolvePathRelativeTo(c.Path, filepath.Dir(path), ":memory:")
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid connection %q: %w", name, err)
		}
		cfg.Connections[name] = c
	}
	if cfg.DefaultConnection != "" {
		if _, ok := cfg.Connections[cfg.DefaultConnection]; !ok {
			return nil, fmt.Errorf("default connection %q is not configured", cfg.DefaultConnection)
		}
	}
	if cfg.OutputFormat != OutputTable && cfg.OutputFormat != OutputJSON {
		return nil, fmt.Errorf("invalid output format %q (want %s or %s)", cfg.OutputFormat, OutputTable, OutputJSON)
	}

	return &cfg, nil
}

// resolvePathRelativeTo joins relative paths onto baseDir. Empty, absolute and
// special paths are returned unchanged.
func resolvePathRelativeTo(path, baseDir string, special ...string) string {
	if path == "" || filepath.IsAbs(path) || slices.Contains(special, path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ConnectionConfigs returns the registry entries sorted by name.
func (c *Config) ConnectionConfigs() []connection.Config {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]connection.Config, 0, len(names))
	for _, name := range names {
		out = append(out, c.Connections[name].Connection(name))
	}
	return out
}

// WithLogger stores the logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// WithConfig stores the loaded configuration in ctx.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext returns the configuration stored by WithConfig, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey{}).(*Config)
	return cfg
}
