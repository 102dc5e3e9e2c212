package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/cli/config"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if len(header) > 0 {
		t.AppendHeader(table.Row(header))
	}
	return t
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderResults prints a result set as a table, or as JSON rows.
func renderResults(w io.Writer, results *core.Results, format string) error {
	if format == config.OutputJSON {
		rows := []map[string]any{}
		if results != nil && results.Rows != nil {
			rows = results.Rows
		}
		return renderJSON(w, rows)
	}
	if results.Len() == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return nil
	}

	header := make(table.Row, len(results.Columns))
	for i, col := range results.Columns {
		header[i] = col.Name
	}
	t := newTable(w, header...)
	for _, r := range results.Rows {
		row := make(table.Row, len(results.Columns))
		for i, col := range results.Columns {
			row[i] = formatValue(r[col.Name])
		}
		t.AppendRow(row)
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", results.Len())
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
