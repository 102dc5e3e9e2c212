package core

// ColumnType is the logical type of a result column.
type ColumnType string

// Column types understood by dashboard renderers.
const (
	ColumnString    ColumnType = "string"
	ColumnNumber    ColumnType = "number"
	ColumnBoolean   ColumnType = "boolean"
	ColumnInteger   ColumnType = "int"
	ColumnFloat     ColumnType = "float"
	ColumnDate      ColumnType = "date"
	ColumnDatetime  ColumnType = "datetime"
	ColumnTime      ColumnType = "time"
	ColumnTimestamp ColumnType = "timestamp"
	ColumnArray     ColumnType = "array"
	ColumnStruct    ColumnType = "struct"
	ColumnMap       ColumnType = "map"
	ColumnMoney     ColumnType = "money"
	ColumnPercent   ColumnType = "percent"
	ColumnUnknown   ColumnType = "unknown"
)

// Column describes one column of a result set.
type Column struct {
	Name        string     `json:"name" msgpack:"name"`
	Type        ColumnType `json:"type" msgpack:"type"`
	Purpose     string     `json:"purpose,omitempty" msgpack:"purpose,omitempty"`
	Traits      []string   `json:"traits,omitempty" msgpack:"traits,omitempty"`
	Description string     `json:"description,omitempty" msgpack:"description,omitempty"`
}

// Results is a materialized result set. Rows are keyed by column name.
type Results struct {
	Columns []Column         `json:"columns" msgpack:"columns"`
	Rows    []map[string]any `json:"rows" msgpack:"rows"`
}

// NewEmptyResults returns a result set with no columns and no rows.
func NewEmptyResults() *Results {
	return &Results{Columns: []Column{}, Rows: []map[string]any{}}
}

// Column returns the column with the given name.
func (r *Results) Column(name string) (*Column, bool) {
	if r == nil {
		return nil, false
	}
	for i := range r.Columns {
		if r.Columns[i].Name == name {
			return &r.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the column names in result order.
func (r *Results) ColumnNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of rows.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}
