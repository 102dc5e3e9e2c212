package dashboard

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

const (
	defaultItemWidth      = 4
	defaultMarkdownHeight = 3
	defaultItemHeight     = 10
)

// ItemSpec describes a new item. Zero values pick the defaults for the type.
type ItemSpec struct {
	Type    ItemType
	X, Y    int
	W, H    int
	Content *Content
	Name    string
}

// AddItem appends an item to the grid and layout and returns its id.
func (d *Dashboard) AddItem(spec ItemSpec) (string, error) {
	if !spec.Type.Valid() {
		return "", fmt.Errorf("invalid item type %q", spec.Type)
	}

	id := strconv.Itoa(d.NextID)
	w := cmp.Or(spec.W, defaultItemWidth)
	h := spec.H
	if h == 0 {
		h = defaultItemHeight
		if spec.Type == ItemMarkdown {
			h = defaultMarkdownHeight
		}
	}
	d.Layout = append(d.Layout, LayoutItem{X: spec.X, Y: spec.Y, W: w, H: h, I: id})

	content := defaultContent(spec.Type)
	if spec.Content != nil {
		content = *spec.Content
	}
	d.GridItems[id] = &Item{
		Type:    spec.Type,
		Content: content,
		Name:    cmp.Or(spec.Name, defaultName(spec.Type, id)),
	}

	d.NextID++
	d.touch()
	return id, nil
}

func defaultName(t ItemType, id string) string {
	switch t {
	case ItemMarkdown:
		return "Note " + id
	case ItemTable:
		return "Table " + id
	case ItemFilter:
		return "Filter " + id
	default:
		return "Chart " + id
	}
}

func defaultContent(t ItemType) Content {
	if t == ItemMarkdown {
		return RawContent("# Markdown Cell\nEnter your markdown content here.")
	}
	return RawContent("")
}

// RemoveItem deletes an item and its layout cell. Selections the item broadcast
// are withdrawn from the other items; their ids are returned.
func (d *Dashboard) RemoveItem(id string) ([]string, error) {
	if _, err := d.item(id); err != nil {
		return nil, err
	}
	changed, _ := d.RemoveCrossFilterSourceOf(id)

	delete(d.GridItems, id)
	d.Layout = slices.DeleteFunc(d.Layout, func(l LayoutItem) bool { return l.I == id })
	d.touch()
	return changed, nil
}

// CopyItem duplicates an item below the original and returns the new id.
// Filters and runtime state are not copied.
func (d *Dashboard) CopyItem(id string) (string, error) {
	src, err := d.item(id)
	if err != nil {
		return "", err
	}
	spec := ItemSpec{Type: src.Type, Name: src.Name + " (copy)"}
	content := src.Content
	spec.Content = &content
	if l, ok := d.layoutOf(id); ok {
		spec.X, spec.Y, spec.W, spec.H = l.X, l.Y+l.H, l.W, l.H
	}
	newID, err := d.AddItem(spec)
	if err != nil {
		return "", err
	}
	copied := d.GridItems[newID]
	copied.ChartConfig = maps.Clone(src.ChartConfig)
	copied.AllowCrossFilter = src.AllowCrossFilter
	copied.Width, copied.Height = src.Width, src.Height
	return newID, nil
}

// UpdateItemContent replaces an item's content.
func (d *Dashboard) UpdateItemContent(id string, content Content) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.Content = content
	d.touch()
	return nil
}

// UpdateItemName renames an item.
func (d *Dashboard) UpdateItemName(id, name string) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.Name = name
	d.touch()
	return nil
}

// UpdateItemType changes an item's type.
func (d *Dashboard) UpdateItemType(id string, t ItemType) error {
	if !t.Valid() {
		return fmt.Errorf("invalid item type %q", t)
	}
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.Type = t
	d.touch()
	return nil
}

// UpdateItemChartConfig replaces an item's chart configuration.
func (d *Dashboard) UpdateItemChartConfig(id string, cfg map[string]any) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.ChartConfig = maps.Clone(cfg)
	d.touch()
	return nil
}

// UpdateItemDimensions records the rendered pixel size of an item.
func (d *Dashboard) UpdateItemDimensions(id string, width, height int) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.Width, it.Height = width, height
	d.touch()
	return nil
}

// SetItemDrilldown layers drilldown content over an item.
func (d *Dashboard) SetItemDrilldown(id string, content Content, chartConfig map[string]any) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.Drilldown = &content
	it.DrilldownChartConfig = maps.Clone(chartConfig)
	d.touch()
	return nil
}

// ClearItemDrilldown restores an item's own content.
func (d *Dashboard) ClearItemDrilldown(id string) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.Drilldown = nil
	it.DrilldownChartConfig = nil
	d.touch()
	return nil
}

// SetItemParameters replaces the parameter bag passed with an item's query.
func (d *Dashboard) SetItemParameters(id string, params map[string]any) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.Parameters = maps.Clone(params)
	d.touch()
	return nil
}

// SetAllowCrossFilter controls whether an item receives other items' selections.
// Disabling drops the selections it already received.
func (d *Dashboard) SetAllowCrossFilter(id string, allow bool) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	it.AllowCrossFilter = &allow
	if !allow {
		it.ConceptFilters = nil
		it.recomputeCrossFilter()
	}
	d.touch()
	return nil
}

// UpdateLayout replaces the layout. Every cell must reference an existing item
// and every item must have exactly one cell.
func (d *Dashboard) UpdateLayout(layout []LayoutItem) error {
	if len(layout) != len(d.GridItems) {
		return fmt.Errorf("layout has %d cells for %d items", len(layout), len(d.GridItems))
	}
	seen := make(map[string]bool, len(layout))
	for _, l := range layout {
		if _, ok := d.GridItems[l.I]; !ok {
			return fmt.Errorf("%w: %s", ErrItemNotFound, l.I)
		}
		if seen[l.I] {
			return fmt.Errorf("duplicate layout cell for item %s", l.I)
		}
		seen[l.I] = true
	}
	d.Layout = slices.Clone(layout)
	d.touch()
	return nil
}

// ClearItems removes every item. Item ids are never reused.
func (d *Dashboard) ClearItems() {
	d.Layout = []LayoutItem{}
	d.GridItems = map[string]*Item{}
	d.touch()
}

// SetState changes the dashboard mode.
func (d *Dashboard) SetState(s State) error {
	if !s.Valid() {
		return fmt.Errorf("invalid dashboard state %q", s)
	}
	d.State = s
	return nil
}

// ToggleEditMode flips between editing and published.
func (d *Dashboard) ToggleEditMode() State {
	if d.State == StateEditing {
		d.State = StatePublished
	} else {
		d.State = StateEditing
	}
	return d.State
}

// SortedLayout returns the layout ordered top to bottom, then left to right.
func (d *Dashboard) SortedLayout() []LayoutItem {
	out := slices.Clone(d.Layout)
	slices.SortStableFunc(out, func(a, b LayoutItem) int {
		return cmp.Or(cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X))
	})
	return out
}

// ItemIDs returns every item id in layout order. Items missing from the layout
// come last, sorted by id.
func (d *Dashboard) ItemIDs() []string {
	ids := make([]string, 0, len(d.GridItems))
	seen := make(map[string]bool, len(d.GridItems))
	for _, l := range d.SortedLayout() {
		if _, ok := d.GridItems[l.I]; ok && !seen[l.I] {
			ids = append(ids, l.I)
			seen[l.I] = true
		}
	}
	var rest []string
	for id := range d.GridItems {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(ids, rest...)
}

func (d *Dashboard) layoutOf(id string) (LayoutItem, bool) {
	for _, l := range d.Layout {
		if l.I == id {
			return l, true
		}
	}
	return LayoutItem{}, false
}

// ItemData is the executor's view of one item.
type ItemData struct {
	ID           string
	Type         ItemType
	Name         string
	Query        string
	Markdown     string
	Filters      []Filter
	Parameters   map[string]any
	ChartConfig  map[string]any
	HasDrilldown bool
	Row          int
	Results      *core.Results
	Error        string
	Loading      bool
}

// FilterValues returns the filter clauses in order.
func (d ItemData) FilterValues() []string {
	out := make([]string, 0, len(d.Filters))
	for _, f := range d.Filters {
		if f.Value != "" {
			out = append(out, f.Value)
		}
	}
	return out
}

// ItemData resolves the query, filters, and parameters an item should run with.
// The dashboard's global filter is always present as the leading filter.
func (d *Dashboard) ItemData(id string) (ItemData, error) {
	it, err := d.item(id)
	if err != nil {
		return ItemData{}, err
	}
	content := it.EffectiveContent()

	filters := slices.Clone(it.Filters)
	if d.Filter != "" && !slices.ContainsFunc(filters, func(f Filter) bool { return f.Source == SourceGlobal }) {
		filters = append([]Filter{{Source: SourceGlobal, Value: d.Filter}}, filters...)
	}

	data := ItemData{
		ID:           id,
		Type:         it.Type,
		Name:         it.Name,
		Query:        content.QueryText(it.Type),
		Markdown:     content.MarkdownText(),
		Filters:      filters,
		Parameters:   maps.Clone(it.Parameters),
		ChartConfig:  it.EffectiveChartConfig(),
		HasDrilldown: it.Drilldown != nil,
		Results:      it.Results,
		Error:        it.Error,
		Loading:      it.Loading,
	}
	if l, ok := d.layoutOf(id); ok {
		data.Row = l.Y
	}
	return data, nil
}

// ItemUpdate is a partial write of an item's runtime state. Nil fields are left alone.
type ItemUpdate struct {
	Results *core.Results
	Error   *string
	Loading *bool
}

// LoadingUpdate marks an item as running and clears its error.
func LoadingUpdate() ItemUpdate {
	loading, msg := true, ""
	return ItemUpdate{Loading: &loading, Error: &msg}
}

// IdleUpdate marks an item as not running and clears its error.
func IdleUpdate() ItemUpdate {
	loading, msg := false, ""
	return ItemUpdate{Loading: &loading, Error: &msg}
}

// SuccessUpdate stores fresh results.
func SuccessUpdate(results *core.Results) ItemUpdate {
	u := IdleUpdate()
	u.Results = results
	return u
}

// ErrorUpdate records a failure. Previous results are kept.
func ErrorUpdate(message string) ItemUpdate {
	loading := false
	return ItemUpdate{Loading: &loading, Error: &message}
}

// ApplyItemUpdate writes runtime state onto an item.
func (d *Dashboard) ApplyItemUpdate(id string, u ItemUpdate) error {
	it, err := d.item(id)
	if err != nil {
		return err
	}
	if u.Results != nil {
		it.Results = u.Results
	}
	if u.Error != nil {
		it.Error = *u.Error
	}
	if u.Loading != nil {
		if *u.Loading && !it.Loading {
			it.LoadStartTime = time.Now()
		}
		it.Loading = *u.Loading
	}
	return nil
}
