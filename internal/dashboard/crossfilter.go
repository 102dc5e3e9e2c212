package dashboard

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// ApplyGlobalFilter sets or clears the dashboard filter and rewrites the leading
// global entry of every item. It returns the ids whose filters changed, so
// applying the same text twice returns nothing the second time.
func (d *Dashboard) ApplyGlobalFilter(text string) []string {
	text = strings.TrimSpace(text)
	d.Filter = text

	var changed []string
	for _, id := range d.ItemIDs() {
		it := d.GridItems[id]
		next := withoutFilterSource(it.Filters, SourceGlobal)
		if text != "" {
			next = append([]Filter{{Source: SourceGlobal, Value: text}}, next...)
		}
		if !slices.Equal(it.Filters, next) {
			it.Filters = next
			changed = append(changed, id)
		}
	}
	if len(changed) > 0 {
		d.touch()
	}
	return changed
}

// SetCrossFilter propagates a selection made on source to every other item.
//
// add replaces the source's previous selection everywhere, remove withdraws it,
// and append toggles the exact (source, value) entry so repeated selections
// accumulate and re-selecting one removes it. Items whose materialized filters
// changed are returned; the source itself is never in the result.
func (d *Dashboard) SetCrossFilter(source string, concepts, chart Conditions, mode CrossFilterMode) ([]string, error) {
	src, err := d.item(source)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeAdd:
		src.ChartFilters = withoutConceptSource(src.ChartFilters, source)
		if len(chart) > 0 {
			src.ChartFilters = append(src.ChartFilters, ConceptFilter{Source: source, Value: maps.Clone(chart)})
		}
	case ModeRemove:
		src.ChartFilters = withoutConceptSource(src.ChartFilters, source)
	case ModeAppend:
		if len(chart) > 0 {
			src.ChartFilters = toggleConcept(src.ChartFilters, source, chart)
		}
	default:
		return nil, fmt.Errorf("invalid cross filter mode %q", mode)
	}

	var changed []string
	for _, id := range d.ItemIDs() {
		if id == source {
			continue
		}
		it := d.GridItems[id]
		if !it.AcceptsCrossFilters() {
			continue
		}

		before := slices.Clone(it.Filters)
		switch mode {
		case ModeAdd:
			it.ConceptFilters = withoutConceptSource(it.ConceptFilters, source)
			if len(concepts) > 0 {
				it.ConceptFilters = append(it.ConceptFilters, ConceptFilter{Source: source, Value: maps.Clone(concepts)})
			}
		case ModeRemove:
			it.ConceptFilters = withoutConceptSource(it.ConceptFilters, source)
		case ModeAppend:
			if len(concepts) > 0 {
				it.ConceptFilters = toggleConcept(it.ConceptFilters, source, concepts)
			}
		}
		it.recomputeCrossFilter()

		if !slices.Equal(before, it.Filters) {
			changed = append(changed, id)
		}
	}

	d.touch()
	return changed, nil
}

// RemoveCrossFilterFrom drops every selection from filterSource on one item.
// It reports whether the item's filters changed.
func (d *Dashboard) RemoveCrossFilterFrom(itemID, filterSource string) (bool, error) {
	it, err := d.item(itemID)
	if err != nil {
		return false, err
	}
	before := slices.Clone(it.Filters)
	it.ConceptFilters = withoutConceptSource(it.ConceptFilters, filterSource)
	it.Filters = withoutFilterSource(it.Filters, filterSource)
	it.recomputeCrossFilter()

	changed := !slices.Equal(before, it.Filters)
	if changed {
		d.touch()
	}
	return changed, nil
}

// RemoveCrossFilterSourceOf clears the selection broadcast by itemID and
// withdraws it from every other item. It returns the items whose filters changed.
func (d *Dashboard) RemoveCrossFilterSourceOf(itemID string) ([]string, error) {
	src, err := d.item(itemID)
	if err != nil {
		return nil, err
	}
	src.ChartFilters = nil

	var changed []string
	for _, id := range d.ItemIDs() {
		if id == itemID {
			continue
		}
		it := d.GridItems[id]
		before := slices.Clone(it.Filters)
		it.ConceptFilters = withoutConceptSource(it.ConceptFilters, itemID)
		it.recomputeCrossFilter()
		if !slices.Equal(before, it.Filters) {
			changed = append(changed, id)
		}
	}
	d.touch()
	return changed, nil
}

// ClearAllFilters resets every filter, selection, and parameter bag on the
// dashboard. Every item id is returned.
func (d *Dashboard) ClearAllFilters() []string {
	d.Filter = ""
	ids := d.ItemIDs()
	for _, id := range ids {
		it := d.GridItems[id]
		it.Filters = nil
		it.ConceptFilters = nil
		it.ChartFilters = nil
		it.Parameters = nil
	}
	d.touch()
	return ids
}

// recomputeCrossFilter rebuilds the derived cross entry from the item's concept filters.
func (it *Item) recomputeCrossFilter() {
	filters := withoutFilterSource(it.Filters, SourceCross)
	if len(it.ConceptFilters) > 0 {
		list := make([]Conditions, len(it.ConceptFilters))
		for i, cf := range it.ConceptFilters {
			list[i] = cf.Value
		}
		if expr := BuildGroupedFilterExpression(list); expr != "" {
			filters = append(filters, Filter{Source: SourceCross, Value: expr})
		}
	}
	it.Filters = filters
}

func withoutFilterSource(filters []Filter, source string) []Filter {
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f.Source != source {
			out = append(out, f)
		}
	}
	return out
}

func withoutConceptSource(filters []ConceptFilter, source string) []ConceptFilter {
	out := make([]ConceptFilter, 0, len(filters))
	for _, f := range filters {
		if f.Source != source {
			out = append(out, f)
		}
	}
	return out
}

// toggleConcept removes an identical (source, value) entry or appends a new one.
func toggleConcept(filters []ConceptFilter, source string, value Conditions) []ConceptFilter {
	idx := slices.IndexFunc(filters, func(f ConceptFilter) bool {
		return f.Source == source && reflect.DeepEqual(f.Value, value)
	})
	if idx >= 0 {
		return slices.Delete(slices.Clone(filters), idx, idx+1)
	}
	return append(slices.Clone(filters), ConceptFilter{Source: source, Value: maps.Clone(value)})
}
