package dashboard

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Serialize encodes the dashboard without runtime item state.
func (d *Dashboard) Serialize() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize dashboard %s: %w", d.ID, err)
	}
	return data, nil
}

// FromSerialized decodes a dashboard produced by Serialize.
func FromSerialized(data []byte) (*Dashboard, error) {
	var d Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode dashboard: %w", err)
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return &d, nil
}

// MarshalYAMLDocument encodes the dashboard as a YAML document for export.
func (d *Dashboard) MarshalYAMLDocument() ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dashboard %s as yaml: %w", d.ID, err)
	}
	return out, nil
}

// FromYAML decodes a dashboard YAML document.
func FromYAML(data []byte) (*Dashboard, error) {
	var d Dashboard
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode dashboard yaml: %w", err)
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return &d, nil
}

// normalize fills defaults and repairs the layout/grid pairing of decoded input.
func (d *Dashboard) normalize() error {
	if d.ID == "" {
		d.ID = d.Name
	}
	if d.ID == "" {
		return fmt.Errorf("dashboard has neither id nor name")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Storage == "" {
		d.Storage = StorageLocal
	}
	if d.State == "" {
		d.State = StateEditing
	}
	if !d.State.Valid() {
		return fmt.Errorf("invalid dashboard state %q", d.State)
	}
	if d.GridItems == nil {
		d.GridItems = map[string]*Item{}
	}
	for id, it := range d.GridItems {
		if it == nil {
			delete(d.GridItems, id)
			continue
		}
		if !it.Type.Valid() {
			return fmt.Errorf("item %s: invalid item type %q", id, it.Type)
		}
	}

	d.Layout = slices.DeleteFunc(slices.Clone(d.Layout), func(l LayoutItem) bool {
		_, ok := d.GridItems[l.I]
		return !ok
	})
	placed := make(map[string]bool, len(d.Layout))
	maxY := 0
	for _, l := range d.Layout {
		placed[l.I] = true
		maxY = max(maxY, l.Y+l.H)
	}
	for _, id := range slices.Sorted(maps.Keys(d.GridItems)) {
		if placed[id] {
			continue
		}
		h := defaultItemHeight
		if d.GridItems[id].Type == ItemMarkdown {
			h = defaultMarkdownHeight
		}
		d.Layout = append(d.Layout, LayoutItem{X: 0, Y: maxY, W: defaultItemWidth, H: h, I: id})
		maxY += h
	}

	for id := range d.GridItems {
		if n, err := strconv.Atoi(id); err == nil && n >= d.NextID {
			d.NextID = n + 1
		}
	}
	return nil
}

// Clone returns a deep copy of the dashboard. Result sets are shared since
// they are never mutated after being attached.
func (d *Dashboard) Clone() *Dashboard {
	c := *d
	c.Layout = slices.Clone(d.Layout)
	c.Imports = slices.Clone(d.Imports)
	c.GridItems = make(map[string]*Item, len(d.GridItems))
	for id, it := range d.GridItems {
		c.GridItems[id] = it.clone()
	}
	return &c
}

func (it *Item) clone() *Item {
	c := *it
	c.ChartConfig = maps.Clone(it.ChartConfig)
	c.DrilldownChartConfig = maps.Clone(it.DrilldownChartConfig)
	c.Parameters = maps.Clone(it.Parameters)
	c.Filters = slices.Clone(it.Filters)
	c.ConceptFilters = cloneConcepts(it.ConceptFilters)
	c.ChartFilters = cloneConcepts(it.ChartFilters)
	if it.Drilldown != nil {
		dd := *it.Drilldown
		c.Drilldown = &dd
	}
	if it.AllowCrossFilter != nil {
		allow := *it.AllowCrossFilter
		c.AllowCrossFilter = &allow
	}
	return &c
}

func cloneConcepts(in []ConceptFilter) []ConceptFilter {
	if in == nil {
		return nil
	}
	out := make([]ConceptFilter, len(in))
	for i, cf := range in {
		out[i] = ConceptFilter{Source: cf.Source, Value: maps.Clone(cf.Value)}
	}
	return out
}
