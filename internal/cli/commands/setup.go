package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/cli/config"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/connection"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/editor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/notifier"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/query"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/resolver"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/state"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg         *config.Config
	Logger      *slog.Logger
	Out         io.Writer
	State       *state.SQLiteStore
	Notifier    *notifier.Notifier
	Dashboards  *dashboard.Store
	Editors     *editor.Registry
	Connections *connection.Registry
	Queries     *query.Service
	Executors   *executor.Manager
}

// NewStateContext opens the state database and loads the saved dashboards.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewStateContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cfg, err := getConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := config.GetLogger(cmd.Context())

	st, err := openState(cfg.StatePath, logger)
	if err != nil {
		return nil, nil, err
	}

	n := notifier.New()
	store := dashboard.NewStore(dashboard.StoreConfig{Persister: st, Notifier: n, Logger: logger})
	if err := store.Load(); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to load dashboards: %w", err)
	}

	cc := &CommandContext{
		Cfg:        cfg,
		Logger:     logger,
		Out:        cmd.OutOrStdout(),
		State:      st,
		Notifier:   n,
		Dashboards: store,
	}
	return cc, func() { _ = st.Close() }, nil
}

// NewCommandContext wires the full query stack on top of NewStateContext:
// editors, connections, the resolver-backed query service, and the executors.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cc, closeState, err := NewStateContext(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, logger := cc.Cfg, cc.Logger

	cc.Editors = editor.NewRegistry(logger)
	if cfg.EditorsDir != "" {
		if _, statErr := os.Stat(cfg.EditorsDir); statErr == nil {
			n, err := cc.Editors.LoadDir(cfg.EditorsDir, cfg.DefaultConnection)
			if err != nil {
				closeState()
				return nil, nil, fmt.Errorf("failed to load editors: %w", err)
			}
			logger.Debug("loaded editors", "dir", cfg.EditorsDir, "count", n)
		} else {
			logger.Debug("editors directory not found", "dir", cfg.EditorsDir)
		}
	}

	conns, err := connection.NewRegistry(cfg.ConnectionConfigs(), cc.Editors, logger)
	if err != nil {
		closeState()
		return nil, nil, err
	}
	cc.Connections = conns

	client, err := resolver.NewClient(resolver.Config{
		Address: cfg.Resolver.Address,
		Timeout: cfg.Resolver.Timeout,
		Logger:  logger,
	})
	if err != nil {
		_ = conns.Close()
		closeState()
		return nil, nil, err
	}

	cc.Queries, err = query.New(query.Config{
		Resolver:         client,
		Connections:      conns,
		History:          cc.State,
		Logger:           logger,
		BatchParallelism: cfg.Executor.BatchParallelism,
	})
	if err != nil {
		_ = conns.Close()
		closeState()
		return nil, nil, err
	}

	cc.Executors = executor.NewManager(executor.ManagerConfig{
		Queries:     cc.Queries,
		Connections: conns,
		Editors:     cc.Editors,
		Dashboards:  cc.Dashboards,
		Options:     executorOptions(cfg, logger),
	})

	cleanup := func() {
		cc.Executors.Close()
		if err := conns.Close(); err != nil {
			logger.Warn("failed to close connections", "error", err)
		}
		closeState()
	}
	return cc, cleanup, nil
}

func executorOptions(cfg *config.Config, logger *slog.Logger) executor.Options {
	return executor.Options{
		MaxConcurrentQueries: cfg.Executor.MaxConcurrentQueries,
		RetryAttempts:        cfg.Executor.RetryAttempts,
		RetryBaseDelay:       cfg.Executor.RetryBaseDelay,
		BatchDelay:           cfg.Executor.BatchDelay,
		Logger:               logger,
	}
}

// getConfig returns the configuration loaded by the root command.
func getConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfg := config.FromContext(cmd.Context()); cfg != nil {
		return cfg, nil
	}
	return nil, errors.New("configuration not loaded")
}

func openState(path string, logger *slog.Logger) (*state.SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
	}
	st := state.NewSQLiteStore(logger)
	if err := st.Open(path); err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return st, nil
}
