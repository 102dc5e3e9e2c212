package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/cli/config"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
)

// NewDashboardsCommand creates the dashboards command group.
func NewDashboardsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dashboards",
		Aliases: []string{"dashboard", "db"},
		Short:   "Manage saved dashboards",
	}
	cmd.AddCommand(newDashboardsListCommand())
	cmd.AddCommand(newDashboardsCreateCommand())
	cmd.AddCommand(newDashboardsImportCommand())
	cmd.AddCommand(newDashboardsExportCommand())
	cmd.AddCommand(newDashboardsDeleteCommand())
	return cmd
}

func newDashboardsListCommand() *cobra.Command {
	var connection string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved dashboards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewStateContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			list := cc.Dashboards.List()
			if connection != "" {
				list = cc.Dashboards.ListByConnection(connection)
			}
			if cc.Cfg.OutputFormat == config.OutputJSON {
				if list == nil {
					list = []dashboard.Summary{}
				}
				return renderJSON(cc.Out, list)
			}
			if len(list) == 0 {
				_, _ = fmt.Fprintln(cc.Out, "No dashboards.")
				return nil
			}
			t := newTable(cc.Out, "ID", "NAME", "CONNECTION", "ITEMS", "STATE", "UPDATED")
			for _, s := range list {
				t.AppendRow([]any{s.ID, s.Name, s.Connection, s.Items, s.State, s.UpdatedAt.Format(time.DateTime)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&connection, "connection", "", "Only list dashboards of this connection")
	return cmd
}

func newDashboardsCreateCommand() *cobra.Command {
	var connection string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewStateContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if connection == "" {
				connection = cc.Cfg.DefaultConnection
			}
			d, err := cc.Dashboards.Create(args[0], connection)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cc.Out, "Created dashboard %s\n", d.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&connection, "connection", "", "Connection the dashboard queries (default: default_connection)")
	return cmd
}

func newDashboardsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Import dashboards from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewStateContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				d, err := dashboard.FromYAML(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := cc.Dashboards.Add(d); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cc.Out, "Imported dashboard %s (%d items)\n", d.ID, len(d.GridItems))
			}
			return nil
		},
	}
}

func newDashboardsExportCommand() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "export <dashboard>",
		Short: "Export a dashboard as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewStateContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Dashboards.Get(args[0])
			if err != nil {
				return err
			}
			data, err := d.MarshalYAMLDocument()
			if err != nil {
				return err
			}
			if outFile == "" {
				_, err = cc.Out.Write(data)
				return err
			}
			if err := os.WriteFile(outFile, data, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}
			_, _ = fmt.Fprintf(cc.Out, "Exported dashboard %s to %s\n", d.ID, outFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "file", "f", "", "Write to this file instead of stdout")
	return cmd
}

func newDashboardsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <dashboard>",
		Short: "Delete a dashboard and its cached results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewStateContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := cc.Dashboards.Remove(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cc.Out, "Deleted dashboard %s\n", args[0])
			return nil
		},
	}
}
