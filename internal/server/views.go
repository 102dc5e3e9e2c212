package server

import (
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// itemView is an item as rendered to clients, runtime state included.
type itemView struct {
	ID          string             `json:"id"`
	Type        dashboard.ItemType `json:"type"`
	Name        string             `json:"name"`
	Query       string             `json:"query,omitempty"`
	Markdown    string             `json:"markdown,omitempty"`
	Filters     []dashboard.Filter `json:"filters"`
	ChartConfig map[string]any     `json:"chartConfig,omitempty"`
	Drilldown   bool               `json:"drilldown"`
	Loading     bool               `json:"loading"`
	Error       string             `json:"error,omitempty"`
	Results     *core.Results      `json:"results,omitempty"`
}

type dashboardView struct {
	*dashboard.Dashboard
	Items []itemView `json:"items"`
}

func newDashboardView(d *dashboard.Dashboard) dashboardView {
	view := dashboardView{Dashboard: d, Items: []itemView{}}
	for _, id := range d.ItemIDs() {
		data, err := d.ItemData(id)
		if err != nil {
			continue
		}
		view.Items = append(view.Items, newItemView(data))
	}
	return view
}

func newItemView(data dashboard.ItemData) itemView {
	filters := data.Filters
	if filters == nil {
		filters = []dashboard.Filter{}
	}
	return itemView{
		ID:          data.ID,
		Type:        data.Type,
		Name:        data.Name,
		Query:       data.Query,
		Markdown:    data.Markdown,
		Filters:     filters,
		ChartConfig: data.ChartConfig,
		Drilldown:   data.HasDrilldown,
		Loading:     data.Loading,
		Error:       data.Error,
		Results:     data.Results,
	}
}

// itemSignal is the compact per-item state pushed over SSE.
type itemSignal struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error"`
	Rows    int    `json:"rows"`
}

type dashboardSignals struct {
	Version uint64                `json:"version"`
	Filter  string                `json:"filter"`
	Items   map[string]itemSignal `json:"items"`
}

func newDashboardSignals(d *dashboard.Dashboard, version uint64) dashboardSignals {
	sig := dashboardSignals{Version: version, Filter: d.Filter, Items: make(map[string]itemSignal, len(d.GridItems))}
	for _, id := range d.ItemIDs() {
		data, err := d.ItemData(id)
		if err != nil {
			continue
		}
		sig.Items[id] = itemSignal{Loading: data.Loading, Error: data.Error, Rows: data.Results.Len()}
	}
	return sig
}
