package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/cli/config"
)

// NewConnectionsCommand creates the connections command.
func NewConnectionsCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List configured data connections",
		Example: `  studio connections
  studio connections --check   # connect and ping each one`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			failed := 0
			if check {
				for _, st := range cc.Connections.List() {
					if err := pingConnection(cmd.Context(), cc, st.Name); err != nil {
						cc.Logger.Debug("connection check failed", "connection", st.Name, "error", err)
						failed++
					}
				}
			}

			statuses := cc.Connections.List()
			if cc.Cfg.OutputFormat == config.OutputJSON {
				if err := renderJSON(cc.Out, statuses); err != nil {
					return err
				}
			} else if len(statuses) == 0 {
				_, _ = fmt.Fprintln(cc.Out, "No connections configured.")
			} else {
				t := newTable(cc.Out, "NAME", "TYPE", "DIALECT", "CONNECTED", "ERROR")
				for _, st := range statuses {
					t.AppendRow([]any{st.Name, st.Type, st.Dialect, st.Connected, st.Error})
				}
				t.Render()
			}
			if failed > 0 {
				return fmt.Errorf("%d connections failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Connect and ping every connection")
	return cmd
}

func pingConnection(ctx context.Context, cc *CommandContext, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cc.Connections.Connect(ctx, name); err != nil {
		return err
	}
	db, err := cc.Connections.Adapter(name)
	if err != nil {
		return err
	}
	return db.Ping(ctx)
}
