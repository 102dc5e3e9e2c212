// Package dashboard holds the dashboard entity, its cross-filter state machine,
// and the filter expression builder that turns selections into query filters.
//
// A Dashboard is a plain value guarded by whoever owns it. Store is the
// thread-safe owner used by the executor, the HTTP API, and the CLI.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// ItemType is the kind of a dashboard cell.
type ItemType string

// Item types.
const (
	ItemChart    ItemType = "chart"
	ItemTable    ItemType = "table"
	ItemMarkdown ItemType = "markdown"
	ItemFilter   ItemType = "filter"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemChart, ItemTable, ItemMarkdown, ItemFilter:
		return true
	}
	return false
}

// State is the editing mode of a dashboard.
type State string

// Dashboard states.
const (
	StateEditing    State = "editing"
	StatePublished  State = "published"
	StateLocked     State = "locked"
	StateFullscreen State = "fullscreen"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateEditing, StatePublished, StateLocked, StateFullscreen:
		return true
	}
	return false
}

// StorageType says where a dashboard is persisted.
type StorageType string

// Storage types.
const (
	StorageLocal  StorageType = "local"
	StorageRemote StorageType = "remote"
)

// Filter sources with special meaning. Any other source is an item id.
const (
	SourceGlobal = "global"
	SourceCross  = "cross"
)

// CrossFilterMode selects how a new selection combines with existing ones.
type CrossFilterMode string

// Cross filter modes.
const (
	ModeAdd    CrossFilterMode = "add"
	ModeAppend CrossFilterMode = "append"
	ModeRemove CrossFilterMode = "remove"
)

// Errors returned by dashboard operations.
var (
	ErrItemNotFound      = errors.New("item not found")
	ErrDashboardNotFound = errors.New("dashboard not found")
	ErrDashboardExists   = errors.New("dashboard already exists")
)

// LayoutItem is one cell of the grid layout. I is the grid item id.
type LayoutItem struct {
	X      int    `json:"x" yaml:"x"`
	Y      int    `json:"y" yaml:"y"`
	W      int    `json:"w" yaml:"w"`
	H      int    `json:"h" yaml:"h"`
	I      string `json:"i" yaml:"i"`
	Static bool   `json:"static" yaml:"static"`
}

// Filter is a materialized filter clause applied to an item's query.
type Filter struct {
	Source string `json:"source" yaml:"source"`
	Value  string `json:"value" yaml:"value"`
}

// ConceptFilter is a selection contributed by the item named in Source.
type ConceptFilter struct {
	Source string     `json:"source" yaml:"source"`
	Value  Conditions `json:"value" yaml:"value"`
}

// Content is either raw text or a structured markdown/query pair.
type Content struct {
	Text       string
	Markdown   string
	Query      string
	Structured bool
}

// RawContent returns unstructured content.
func RawContent(text string) Content {
	return Content{Text: text}
}

// StructuredContent returns content carrying both markdown and a query.
func StructuredContent(markdown, query string) Content {
	return Content{Markdown: markdown, Query: query, Structured: true}
}

// QueryText returns the query an item of type t should run, or "" when none.
func (c Content) QueryText(t ItemType) string {
	if c.Structured {
		return c.Query
	}
	if t == ItemMarkdown {
		return ""
	}
	return c.Text
}

// MarkdownText returns the markdown body of the content.
func (c Content) MarkdownText() string {
	if c.Structured {
		return c.Markdown
	}
	return c.Text
}

type structuredContent struct {
	Markdown string `json:"markdown" yaml:"markdown"`
	Query    string `json:"query" yaml:"query"`
}

// MarshalJSON encodes raw content as a string and structured content as an object.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Structured {
		return json.Marshal(structuredContent{Markdown: c.Markdown, Query: c.Query})
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a string or a {markdown, query} object.
func (c *Content) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = RawContent(text)
		return nil
	}
	var sc structuredContent
	if err := json.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("content must be a string or an object: %w", err)
	}
	*c = StructuredContent(sc.Markdown, sc.Query)
	return nil
}

// MarshalYAML mirrors MarshalJSON.
func (c Content) MarshalYAML() (any, error) {
	if c.Structured {
		return structuredContent{Markdown: c.Markdown, Query: c.Query}, nil
	}
	return c.Text, nil
}

// UnmarshalYAML mirrors UnmarshalJSON.
func (c *Content) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*c = RawContent(node.Value)
		return nil
	}
	var sc structuredContent
	if err := node.Decode(&sc); err != nil {
		return fmt.Errorf("content must be a string or a mapping: %w", err)
	}
	*c = StructuredContent(sc.Markdown, sc.Query)
	return nil
}

// Item is one dashboard cell.
type Item struct {
	Type                 ItemType        `json:"type" yaml:"type"`
	Content              Content         `json:"content" yaml:"content"`
	Name                 string          `json:"name" yaml:"name"`
	Width                int             `json:"width,omitempty" yaml:"width,omitempty"`
	Height               int             `json:"height,omitempty" yaml:"height,omitempty"`
	AllowCrossFilter     *bool           `json:"allowCrossFilter,omitempty" yaml:"allowCrossFilter,omitempty"`
	ChartConfig          map[string]any  `json:"chartConfig,omitempty" yaml:"chartConfig,omitempty"`
	Drilldown            *Content        `json:"drilldown,omitempty" yaml:"drilldown,omitempty"`
	DrilldownChartConfig map[string]any  `json:"drilldownChartConfig,omitempty" yaml:"drilldownChartConfig,omitempty"`
	Filters              []Filter        `json:"filters,omitempty" yaml:"filters,omitempty"`
	ConceptFilters       []ConceptFilter `json:"conceptFilters,omitempty" yaml:"conceptFilters,omitempty"`
	ChartFilters         []ConceptFilter `json:"chartFilters,omitempty" yaml:"chartFilters,omitempty"`
	Parameters           map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Runtime state, never serialized with the dashboard.
	Results       *core.Results `json:"-" yaml:"-"`
	Error         string        `json:"-" yaml:"-"`
	Loading       bool          `json:"-" yaml:"-"`
	LoadStartTime time.Time     `json:"-" yaml:"-"`
}

// AcceptsCrossFilters reports whether other items' selections apply to this item.
func (it *Item) AcceptsCrossFilters() bool {
	return it.AllowCrossFilter == nil || *it.AllowCrossFilter
}

// EffectiveContent returns the drilldown content when set, otherwise the content.
func (it *Item) EffectiveContent() Content {
	if it.Drilldown != nil {
		return *it.Drilldown
	}
	return it.Content
}

// EffectiveChartConfig returns the drilldown chart config when a drilldown is active.
func (it *Item) EffectiveChartConfig() map[string]any {
	if it.Drilldown != nil && it.DrilldownChartConfig != nil {
		return it.DrilldownChartConfig
	}
	return it.ChartConfig
}

// Dashboard is a grid of items over one data connection.
type Dashboard struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Storage     StorageType      `json:"storage" yaml:"storage"`
	Connection  string           `json:"connection" yaml:"connection"`
	Layout      []LayoutItem     `json:"layout" yaml:"layout"`
	GridItems   map[string]*Item `json:"gridItems" yaml:"gridItems"`
	NextID      int              `json:"nextId" yaml:"nextId"`
	Imports     []core.Import    `json:"imports" yaml:"imports"`
	Filter      string           `json:"filter,omitempty" yaml:"filter,omitempty"`
	State       State            `json:"state" yaml:"state"`
	CreatedAt   time.Time        `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt" yaml:"updatedAt"`
}

// New creates an empty dashboard in editing state.
func New(id, name, connection string) *Dashboard {
	now := time.Now().UTC()
	return &Dashboard{
		ID:         id,
		Name:       name,
		Storage:    StorageLocal,
		Connection: connection,
		Layout:     []LayoutItem{},
		GridItems:  map[string]*Item{},
		Imports:    []core.Import{},
		State:      StateEditing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (d *Dashboard) touch() {
	d.UpdatedAt = time.Now().UTC()
}

func (d *Dashboard) item(id string) (*Item, error) {
	it, ok := d.GridItems[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return it, nil
}
