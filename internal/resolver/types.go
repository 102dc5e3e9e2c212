package resolver

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Import is a model import as the resolver expects it.
type Import struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// Source is one named model text.
type Source struct {
	Alias    string `json:"alias"`
	Contents string `json:"contents"`
}

// Model bundles the sources a query may reference.
type Model struct {
	Name    string   `json:"name"`
	Sources []Source `json:"sources"`
}

// QueryRequest is the body of POST /generate_query.
type QueryRequest struct {
	Imports      []Import       `json:"imports"`
	Query        string         `json:"query"`
	Dialect      string         `json:"dialect"`
	FullModel    Model          `json:"full_model"`
	ExtraFilters []string       `json:"extra_filters,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Column describes one output column of a resolved query.
type Column struct {
	Name        string          `json:"name"`
	Datatype    json.RawMessage `json:"datatype"`
	Purpose     string          `json:"purpose"`
	Traits      []string        `json:"traits,omitempty"`
	Description string          `json:"description,omitempty"`
}

// QueryResponse is the body returned by POST /generate_query.
type QueryResponse struct {
	GeneratedSQL *string  `json:"generated_sql"`
	Columns      []Column `json:"columns"`
}

// LabeledQuery is one member of a multi-query request.
type LabeledQuery struct {
	Label        string         `json:"label"`
	Query        string         `json:"query"`
	ExtraFilters []string       `json:"extra_filters,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// MultiQueryRequest is the body of POST /generate_queries.
type MultiQueryRequest struct {
	Imports   []Import       `json:"imports"`
	Queries   []LabeledQuery `json:"queries"`
	Dialect   string         `json:"dialect"`
	FullModel Model          `json:"full_model"`
}

// LabeledResponse is the resolution of one labelled query. Error is set when
// that query alone failed to resolve.
type LabeledResponse struct {
	Label        string   `json:"label"`
	GeneratedSQL *string  `json:"generated_sql"`
	Columns      []Column `json:"columns"`
	Error        string   `json:"error,omitempty"`
}

// MultiQueryResponse is the body returned by POST /generate_queries.
type MultiQueryResponse struct {
	Queries []LabeledResponse `json:"queries"`
}

// ValidateRequest is the body of POST /validate_query.
type ValidateRequest struct {
	Query        string   `json:"query"`
	Sources      []Source `json:"sources"`
	Imports      []Import `json:"imports"`
	ExtraFilters []string `json:"extra_filters,omitempty"`
}

// Diagnostic is one validation finding. Severity follows the editor convention
// (8 error, 4 warning, 2 information, 1 hint).
type Diagnostic struct {
	StartLineNumber int    `json:"startLineNumber"`
	StartColumn     int    `json:"startColumn"`
	EndLineNumber   int    `json:"endLineNumber"`
	EndColumn       int    `json:"endColumn"`
	Message         string `json:"message"`
	Severity        int    `json:"severity"`
}

// ValidateResponse is the body returned by POST /validate_query.
type ValidateResponse struct {
	Items   []Diagnostic `json:"items"`
	Imports []Import     `json:"imports,omitempty"`
}

// HasErrors reports whether any diagnostic is an error.
func (r *ValidateResponse) HasErrors() bool {
	return slices.ContainsFunc(r.Items, func(d Diagnostic) bool { return d.Severity >= 8 })
}

// DrilldownRequest is the body of POST /drilldown_query.
type DrilldownRequest struct {
	Query     string   `json:"query"`
	Add       []string `json:"add"`
	Remove    string   `json:"remove"`
	Filter    string   `json:"filter"`
	Imports   []Import `json:"imports"`
	Dialect   string   `json:"dialect"`
	FullModel Model    `json:"full_model"`
}

// DrilldownResponse is the body returned by POST /drilldown_query.
type DrilldownResponse struct {
	Query string `json:"query"`
}

// ConvertImports maps core imports to the resolver shape.
func ConvertImports(imports []core.Import) []Import {
	out := make([]Import, 0, len(imports))
	for _, imp := range imports {
		out = append(out, Import{Name: imp.Name, Alias: imp.Alias})
	}
	return out
}

// ConvertSources maps core content inputs to resolver sources.
func ConvertSources(contents []core.ContentInput) []Source {
	out := make([]Source, 0, len(contents))
	for _, c := range contents {
		out = append(out, Source{Alias: c.Alias, Contents: c.Contents})
	}
	return out
}

// datatype is the object form of a column datatype, e.g. a trait type
// {"type": "float", "traits": ["usd"]}.
type datatype struct {
	Type     json.RawMessage `json:"type"`
	Traits   []string        `json:"traits"`
	DataType json.RawMessage `json:"data_type"`
}

// CoreColumn converts a resolver column to a result column. Columns whose
// datatype carries a money or percent trait get the matching display type.
func (c Column) CoreColumn() core.Column {
	base, traits := parseDatatype(c.Datatype)
	traits = append(slices.Clone(c.Traits), traits...)
	col := core.Column{
		Name:        c.Name,
		Type:        base,
		Purpose:     c.Purpose,
		Traits:      traits,
		Description: c.Description,
	}
	for _, t := range traits {
		switch strings.ToLower(t) {
		case "money", "usd", "currency":
			col.Type = core.ColumnMoney
		case "percent":
			col.Type = core.ColumnPercent
		}
	}
	return col
}

func parseDatatype(raw json.RawMessage) (core.ColumnType, []string) {
	if len(raw) == 0 {
		return core.ColumnUnknown, nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return columnType(name), nil
	}
	var dt datatype
	if err := json.Unmarshal(raw, &dt); err != nil {
		return core.ColumnUnknown, nil
	}
	inner := dt.Type
	if len(inner) == 0 {
		inner = dt.DataType
	}
	base, nested := parseDatatype(inner)
	if base == core.ColumnUnknown && len(inner) == 0 {
		base = core.ColumnStruct
	}
	return base, append(dt.Traits, nested...)
}

func columnType(name string) core.ColumnType {
	switch strings.ToLower(name) {
	case "string":
		return core.ColumnString
	case "int", "integer", "bigint":
		return core.ColumnInteger
	case "float", "numeric", "number":
		return core.ColumnFloat
	case "bool", "boolean":
		return core.ColumnBoolean
	case "date":
		return core.ColumnDate
	case "datetime":
		return core.ColumnDatetime
	case "timestamp":
		return core.ColumnTimestamp
	case "time":
		return core.ColumnTime
	case "array", "list":
		return core.ColumnArray
	case "map":
		return core.ColumnMap
	case "struct":
		return core.ColumnStruct
	}
	return core.ColumnUnknown
}
