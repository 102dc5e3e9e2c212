package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/cli/config"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/state"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var (
		connection string
		limit      int
		prune      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently executed queries",
		Example: `  studio history --limit 20
  studio history --connection warehouse
  studio history --prune 720h   # delete entries older than 30 days`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewStateContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()

			if prune > 0 {
				n, err := cc.State.PruneHistory(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cc.Out, "Pruned %d history entries\n", n)
				return nil
			}

			entries, err := cc.State.ListHistory(ctx, connection, limit)
			if err != nil {
				return err
			}
			if cc.Cfg.OutputFormat == config.OutputJSON {
				if entries == nil {
					entries = []state.HistoryEntry{}
				}
				return renderJSON(cc.Out, entries)
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cc.Out, "No history.")
				return nil
			}
			t := newTable(cc.Out, "EXECUTED", "CONNECTION", "STATUS", "ROWS", "DURATION", "QUERY")
			for _, e := range entries {
				status := statusOK
				if !e.Success {
					status = statusError
				}
				t.AppendRow([]any{
					e.ExecutedAt.Local().Format(time.DateTime), e.Connection, status,
					e.RowCount, formatDuration(e.Duration), abbreviate(e.Text, 60),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&connection, "connection", "", "Only show queries of this connection")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries (0 for all)")
	cmd.Flags().DurationVar(&prune, "prune", 0, "Delete entries older than this instead of listing")
	return cmd
}

// abbreviate collapses whitespace and truncates to n runes.
func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
