package core

import "time"

// Editor types accepted by the query service.
const (
	EditorTrilogy = "trilogy"
	EditorSQL     = "sql"
)

// Import references a model source made visible to a query under an alias.
type Import struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Alias string `json:"alias" yaml:"alias"`
}

// ContentInput is a named source text handed to the resolver.
type ContentInput struct {
	Alias    string `json:"alias"`
	Contents string `json:"contents"`
}

// QueryInput is everything needed to resolve and run one query.
type QueryInput struct {
	Text         string         `json:"text"`
	EditorType   string         `json:"editor_type"`
	Imports      []Import       `json:"imports,omitempty"`
	ExtraFilters []string       `json:"extra_filters,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ExtraContent []ContentInput `json:"extra_content,omitempty"`
}

// QueryResult is the outcome of a single query run.
type QueryResult struct {
	Success       bool          `json:"success"`
	GeneratedSQL  string        `json:"generated_sql,omitempty"`
	Results       *Results      `json:"results,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	ResultSize    int           `json:"result_size"`
	ColumnCount   int           `json:"column_count"`
}

// BatchQuery is one labelled member of a batch request.
type BatchQuery struct {
	Label        string         `json:"label"`
	Text         string         `json:"text"`
	ExtraFilters []string       `json:"extra_filters,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// BatchRequest resolves several queries that share imports and sources in one round trip.
type BatchRequest struct {
	Queries      []BatchQuery   `json:"queries"`
	EditorType   string         `json:"editor_type"`
	Imports      []Import       `json:"imports,omitempty"`
	ExtraContent []ContentInput `json:"extra_content,omitempty"`
}

// BatchOutcome is the tagged result for one labelled batch member.
// Exactly one of Result and Err is set.
type BatchOutcome struct {
	Label  string
	Result *QueryResult
	Err    error
}

// DrilldownRequest asks the resolver to rewrite a query for a drilldown.
type DrilldownRequest struct {
	Query        string         `json:"query"`
	Add          []string       `json:"add"`
	Remove       string         `json:"remove"`
	Filter       string         `json:"filter"`
	Imports      []Import       `json:"imports,omitempty"`
	ExtraContent []ContentInput `json:"extra_content,omitempty"`
}

// Progress is an informational message emitted while a query runs.
type Progress struct {
	Message string `json:"message"`
	Error   bool   `json:"error,omitempty"`
}

// ProgressFunc receives progress messages. It may be nil.
type ProgressFunc func(Progress)
