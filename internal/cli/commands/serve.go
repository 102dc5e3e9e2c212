package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/server"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/telemetry"
)

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	Version string
}

// NewServeCommand creates the serve command.
func NewServeCommand(version string) *cobra.Command {
	opts := &ServeOptions{Version: version}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		Long: `Start the HTTP API that runs dashboards, applies filters and streams
item state to clients over server-sent events.

Editor files are watched and reloaded while the server runs unless
server.watch is false.`,
		Example: `  # Serve on the configured port
  studio serve

  # Serve on a custom port without watching editors
  studio serve --port 3000 --watch=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().Int("port", 0, "Port to serve on (default: 8765)")
	cmd.Flags().Bool("watch", true, "Watch the editors directory for changes")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cc, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg, logger := cc.Cfg, cc.Logger

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Interval:       cfg.Telemetry.Interval,
		ServiceVersion: opts.Version,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var background []func(context.Context) error
	if cfg.Server.Watch && cfg.EditorsDir != "" {
		if info, err := os.Stat(cfg.EditorsDir); err == nil && info.IsDir() {
			background = append(background, func(ctx context.Context) error {
				logger.Info("watching editors", "dir", cfg.EditorsDir)
				return cc.Editors.Watch(ctx, cfg.EditorsDir, cfg.DefaultConnection, cc.Notifier.Broadcast)
			})
		}
	}

	srv, err := server.NewServer(server.Config{
		Dashboards:  cc.Dashboards,
		Executors:   cc.Executors,
		Notifier:    cc.Notifier,
		Validator:   cc.Queries,
		Connections: cc.Connections,
		Editors:     cc.Editors,
		History:     cc.State,
		Port:        cfg.Server.Port,
		Logger:      logger,
		Background:  background,
	})
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}
