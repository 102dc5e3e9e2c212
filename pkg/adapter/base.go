package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// BaseSQLAdapter provides common database/sql functionality for adapters.
// Embed this struct in concrete adapter implementations to get standard
// Close, Ping, Exec, and Query implementations.
type BaseSQLAdapter struct {
	DB     *sql.DB
	Cfg    core.AdapterConfig
	Logger *slog.Logger
}

// Close closes the database connection.
func (b *BaseSQLAdapter) Close() error {
	if b.DB != nil {
		if b.Logger != nil {
			b.Logger.Debug("closing database connection")
		}
		err := b.DB.Close()
		b.DB = nil
		return err
	}
	return nil
}

// Ping verifies the connection is alive.
func (b *BaseSQLAdapter) Ping(ctx context.Context) error {
	if b.DB == nil {
		return fmt.Errorf("database connection not established")
	}
	return b.DB.PingContext(ctx)
}

// Exec executes a SQL statement that doesn't return rows.
func (b *BaseSQLAdapter) Exec(ctx context.Context, sqlStr string) error {
	if b.DB == nil {
		return fmt.Errorf("database connection not established")
	}
	_, err := b.DB.ExecContext(ctx, sqlStr)
	if err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// Query executes a SQL statement and collects every row into a result set.
func (b *BaseSQLAdapter) Query(ctx context.Context, sqlStr string) (*core.Results, error) {
	if b.DB == nil {
		return nil, fmt.Errorf("database connection not established")
	}
	rows, err := b.DB.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return ScanResults(rows)
}

// IsConnected returns true if the database connection is established.
func (b *BaseSQLAdapter) IsConnected() bool {
	return b.DB != nil
}

// ScanResults drains rows into a core.Results.
func ScanResults(rows *sql.Rows) (*core.Results, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}

	results := &core.Results{
		Columns: make([]core.Column, len(types)),
		Rows:    []map[string]any{},
	}
	for i, ct := range types {
		results.Columns[i] = core.Column{
			Name: ct.Name(),
			Type: ColumnTypeFromDatabase(ct.DatabaseTypeName()),
		}
	}

	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(types))
		for i, col := range results.Columns {
			row[col.Name] = normalizeValue(values[i])
		}
		results.Rows = append(results.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return results, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case *big.Int:
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	default:
		return v
	}
}

// ColumnTypeFromDatabase maps a driver type name to a logical column type.
func ColumnTypeFromDatabase(name string) core.ColumnType {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case upper == "":
		return core.ColumnUnknown
	case strings.HasSuffix(upper, "[]") || strings.HasPrefix(upper, "LIST") || strings.HasPrefix(upper, "_"):
		return core.ColumnArray
	case strings.HasPrefix(upper, "STRUCT"):
		return core.ColumnStruct
	case strings.HasPrefix(upper, "MAP"):
		return core.ColumnMap
	case strings.Contains(upper, "INT"):
		return core.ColumnInteger
	case strings.HasPrefix(upper, "DECIMAL"), strings.HasPrefix(upper, "NUMERIC"),
		upper == "DOUBLE", upper == "FLOAT", upper == "FLOAT4", upper == "FLOAT8", upper == "REAL":
		return core.ColumnFloat
	case strings.HasPrefix(upper, "BOOL"):
		return core.ColumnBoolean
	case strings.HasPrefix(upper, "TIMESTAMP"):
		return core.ColumnTimestamp
	case upper == "DATE":
		return core.ColumnDate
	case strings.HasPrefix(upper, "TIME"):
		return core.ColumnTime
	case strings.Contains(upper, "CHAR"), upper == "TEXT", upper == "UUID", upper == "STRING":
		return core.ColumnString
	default:
		return core.ColumnUnknown
	}
}
