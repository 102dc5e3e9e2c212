// Package config holds the connection configuration shared by the CLI and
// the server wiring.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/connection"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapter"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// ConnectionConfig describes one named data connection in studio.yaml.
type ConnectionConfig struct {
	Type string `koanf:"type"` // duckdb, postgres

	// File-based databases (DuckDB)
	Path string `koanf:"path"`

	// Network databases
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	Schema string `koanf:"schema"`

	// Additional driver-specific options
	Options map[string]string `koanf:"options"`

	// Params holds adapter-specific configuration (e.g., DuckDB extensions, settings)
	Params map[string]any `koanf:"params"`

	// Sources are the editors whose contents form the connection's model.
	Sources []connection.Source `koanf:"sources"`
}

// DefaultSchemaForType returns the default schema for a connection type.
func DefaultSchemaForType(connType string) string {
	if schema, ok := defaultSchemas[strings.ToLower(connType)]; ok {
		return schema
	}
	return "main"
}

// ApplyDefaults fills type-specific defaults.
func (c *ConnectionConfig) ApplyDefaults() {
	c.Type = strings.ToLower(c.Type)
	if name, ok := adapter.Canonical(c.Type); ok {
		c.Type = name
	}
	if c.Schema == "" {
		c.Schema = DefaultSchemaForType(c.Type)
	}
	if c.Type == "postgres" && c.Port == 0 {
		c.Port = DefaultPostgresPort
	}
}

// Validate checks the connection against the adapter registry.
func (c *ConnectionConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("connection type is required")
	}
	if !adapter.IsRegistered(c.Type) {
		return &adapter.UnknownAdapterError{
			Type:      c.Type,
			Available: adapter.ListAdapters(),
		}
	}
	for i, s := range c.Sources {
		if s.Editor == "" {
			return fmt.Errorf("source %d: editor is required", i)
		}
	}
	return nil
}

// ExpandEnv replaces ${VAR} references in credential fields.
func (c *ConnectionConfig) ExpandEnv() {
	c.Host = expandEnvVars(c.Host)
	c.User = expandEnvVars(c.User)
	c.Password = expandEnvVars(c.Password)
	c.Database = expandEnvVars(c.Database)
	c.Path = expandEnvVars(c.Path)
}

// Connection converts the config into a registry entry.
func (c ConnectionConfig) Connection(name string) connection.Config {
	return connection.Config{
		Name: name,
		Adapter: core.AdapterConfig{
			Type:     strings.ToLower(c.Type),
			Path:     c.Path,
			Host:     c.Host,
			Port:     c.Port,
			Database: c.Database,
			Username: c.User,
			Password: c.Password,
			Schema:   c.Schema,
			Options:  c.Options,
			Params:   c.Params,
		},
		Sources: c.Sources,
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars leaves unknown variables untouched.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}
