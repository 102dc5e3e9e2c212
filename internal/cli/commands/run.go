package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/cli/config"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// RunOptions holds options shared by the commands that execute dashboard items.
type RunOptions struct {
	Items   []string
	Show    bool
	Timeout time.Duration
}

func (o *RunOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.Show, "show", false, "Print the result rows of every item")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 5*time.Minute, "Maximum time to wait for all queries")
}

// itemOutcome is the final state of one item after a run.
type itemOutcome struct {
	ItemID   string        `json:"item"`
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Results  *core.Results `json:"results,omitempty"`
}

const (
	statusOK      = "ok"
	statusError   = "error"
	statusSkipped = "skipped"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}
	cmd := &cobra.Command{
		Use:   "run <dashboard>",
		Short: "Run the queries of a dashboard",
		Long: `Run every item of a dashboard (or the selected items) through the
resolver and the dashboard's connection, then report the outcome per item.`,
		Example: `  # Run all items
  studio run sales

  # Run two items and print their rows
  studio run sales --item 0 --item 3 --show`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			items := opts.Items
			if len(items) == 0 {
				d, err := cc.Dashboards.Get(args[0])
				if err != nil {
					return err
				}
				items = d.ItemIDs()
			}
			for _, id := range items {
				if _, err := cc.Dashboards.ItemData(args[0], id); err != nil {
					return err
				}
			}
			return executeItems(cmd.Context(), cc, args[0], items, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Items, "item", nil, "Item id to run (repeatable, default: all)")
	opts.bind(cmd)
	return cmd
}

// NewFilterCommand creates the filter command.
func NewFilterCommand() *cobra.Command {
	opts := &RunOptions{}
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "filter <dashboard> [expression]",
		Short: "Set the global filter of a dashboard and rerun affected items",
		Example: `  studio filter sales "order.year = 2024"
  studio filter sales ""        # remove the global filter
  studio filter sales --clear   # drop every filter and selection`,
		Args: func(cmd *cobra.Command, args []string) error {
			if clearAll {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			var changed []string
			if clearAll {
				changed, err = cc.Dashboards.ClearAllFilters(args[0])
			} else {
				changed, err = cc.Dashboards.ApplyGlobalFilter(args[0], args[1])
			}
			if err != nil {
				return err
			}
			return executeItems(cmd.Context(), cc, args[0], changed, opts)
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Clear all filters, selections and parameters")
	opts.bind(cmd)
	return cmd
}

// NewCrossFilterCommand creates the crossfilter command.
func NewCrossFilterCommand() *cobra.Command {
	opts := &RunOptions{}
	var (
		mode  string
		chart []string
		unset bool
	)
	cmd := &cobra.Command{
		Use:   "crossfilter <dashboard> <source-item> [concept=value ...]",
		Short: "Apply a selection made on one item to every other item",
		Long: `Propagate a selection from a source item to the other items of the
dashboard and rerun the items whose filters changed.

Values are read as JSON when possible, so numbers, booleans, null and
[first, last] ranges keep their type; anything else is a string.`,
		Example: `  studio crossfilter sales 2 region=east
  studio crossfilter sales 2 region=west --mode append
  studio crossfilter sales 2 --unset`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			concepts, err := parseConditions(args[2:])
			if err != nil {
				return err
			}
			chartConds := concepts
			if len(chart) > 0 {
				if chartConds, err = parseConditions(chart); err != nil {
					return err
				}
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			var changed []string
			if unset {
				changed, err = cc.Dashboards.RemoveCrossFilterSourceOf(args[0], args[1])
			} else {
				changed, err = cc.Dashboards.SetCrossFilter(args[0], args[1], concepts, chartConds, dashboard.CrossFilterMode(mode))
			}
			if err != nil {
				return err
			}
			return executeItems(cmd.Context(), cc, args[0], changed, opts)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(dashboard.ModeAdd), "Selection mode: add, append or remove")
	cmd.Flags().StringSliceVar(&chart, "chart", nil, "Chart-local condition (default: same as the concepts)")
	cmd.Flags().BoolVar(&unset, "unset", false, "Withdraw every selection made on the source item")
	_ = cmd.RegisterFlagCompletionFunc("mode", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{string(dashboard.ModeAdd), string(dashboard.ModeAppend), string(dashboard.ModeRemove)}, cobra.ShellCompDirectiveNoFileComp
	})
	opts.bind(cmd)
	return cmd
}

// parseConditions turns concept=value arguments into conditions.
func parseConditions(args []string) (dashboard.Conditions, error) {
	conds := dashboard.Conditions{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid condition %q, expected concept=value", arg)
		}
		conds[key] = parseValue(raw)
	}
	return conds, nil
}

func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}

// executeItems batch-runs the items and prints one line per item.
func executeItems(ctx context.Context, cc *CommandContext, dashboardID string, items []string, opts *RunOptions) error {
	if len(items) == 0 {
		_, _ = fmt.Fprintln(cc.Out, "No items to run.")
		return nil
	}
	e, err := cc.Executors.Get(dashboardID)
	if err != nil {
		return err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[string]itemOutcome, len(items))
	)
	record := func(o itemOutcome) {
		mu.Lock()
		outcomes[o.ItemID] = o
		mu.Unlock()
		wg.Done()
	}
	// The per-item function runs while the item is enqueued, before any of
	// its callbacks can fire.
	perItem := func(itemID string) executor.Callbacks {
		wg.Add(1)
		return executor.Callbacks{
			OnSuccess: func(r *core.QueryResult) {
				record(itemOutcome{
					ItemID: itemID, Status: statusOK, Rows: r.Results.Len(),
					Duration: r.ExecutionTime, Results: r.Results,
				})
			},
			OnError: func(err error) {
				record(itemOutcome{ItemID: itemID, Status: statusError, Error: err.Error()})
			},
		}
	}
	e.RunBatch(items, executor.WithItemCallbacks(perItem))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.ClearQueue()
		return fmt.Errorf("waiting for queries: %w", ctx.Err())
	}

	report := make([]itemOutcome, 0, len(items))
	failed := 0
	for _, id := range items {
		o, ok := outcomes[id]
		if !ok {
			o = itemOutcome{ItemID: id, Status: statusSkipped}
		}
		if data, err := cc.Dashboards.ItemData(dashboardID, id); err == nil {
			o.Name = data.Name
		}
		if o.Status == statusError {
			failed++
		}
		report = append(report, o)
	}

	if err := renderOutcomes(cc, report, opts.Show); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(items))
	}
	return nil
}

func renderOutcomes(cc *CommandContext, report []itemOutcome, show bool) error {
	if cc.Cfg.OutputFormat == config.OutputJSON {
		if !show {
			for i := range report {
				report[i].Results = nil
			}
		}
		return renderJSON(cc.Out, report)
	}

	t := newTable(cc.Out, "ITEM", "NAME", "STATUS", "ROWS", "DURATION", "ERROR")
	for _, o := range report {
		t.AppendRow([]any{o.ItemID, o.Name, o.Status, o.Rows, formatDuration(o.Duration), o.Error})
	}
	t.Render()

	if show {
		for _, o := range report {
			if o.Status != statusOK {
				continue
			}
			_, _ = fmt.Fprintf(cc.Out, "\n%s (%s)\n", o.Name, o.ItemID)
			if err := renderResults(cc.Out, o.Results, cc.Cfg.OutputFormat); err != nil {
				return err
			}
		}
	}
	return nil
}
