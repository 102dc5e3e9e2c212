package dashboard

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Persister stores serialized dashboards and the last results of their items.
type Persister interface {
	SaveDashboard(id string, data []byte) error
	DeleteDashboard(id string) error
	LoadDashboards() (map[string][]byte, error)
	SaveResults(dashboardID, itemID string, results *core.Results) error
	LoadResults(dashboardID string) (map[string]*core.Results, error)
}

// Broadcaster is pinged after every change.
type Broadcaster interface {
	Broadcast()
}

// StoreConfig configures a Store. Every field is optional.
type StoreConfig struct {
	Persister Persister
	Notifier  Broadcaster
	Logger    *slog.Logger
}

// Store is the thread-safe owner of all dashboards.
type Store struct {
	mu         sync.RWMutex
	dashboards map[string]*Dashboard
	persister  Persister
	notifier   Broadcaster
	logger     *slog.Logger
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		dashboards: make(map[string]*Dashboard),
		persister:  cfg.Persister,
		notifier:   cfg.Notifier,
		logger:     logger,
	}
}

// Summary is a lightweight listing entry.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Connection  string    `json:"connection"`
	State       State     `json:"state"`
	Items       int       `json:"items"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Snapshot is the dashboard-level data the executor needs.
type Snapshot struct {
	ID         string
	Name       string
	Connection string
	Filter     string
	Imports    []core.Import
	State      State
}

// Load replaces the store contents with everything the persister holds,
// including cached item results.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}
	raw, err := s.persister.LoadDashboards()
	if err != nil {
		return fmt.Errorf("failed to load dashboards: %w", err)
	}

	loaded := make(map[string]*Dashboard, len(raw))
	for id, data := range raw {
		d, err := FromSerialized(data)
		if err != nil {
			s.logger.Warn("skipping unreadable dashboard", slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		results, err := s.persister.LoadResults(d.ID)
		if err != nil {
			s.logger.Warn("failed to load cached results", slog.String("id", id), slog.String("error", err.Error()))
		}
		for itemID, r := range results {
			if it, ok := d.GridItems[itemID]; ok {
				it.Results = r
			}
		}
		loaded[d.ID] = d
	}

	s.mu.Lock()
	s.dashboards = loaded
	s.mu.Unlock()

	s.logger.Debug("dashboards loaded", slog.Int("count", len(loaded)))
	s.broadcast()
	return nil
}

// Create makes a new dashboard whose id is its name.
func (s *Store) Create(name, connection string) (*Dashboard, error) {
	if name == "" {
		return nil, fmt.Errorf("dashboard name is required")
	}
	s.mu.Lock()
	for _, d := range s.dashboards {
		if d.Name == name {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDashboardExists, name)
		}
	}
	d := New(name, name, connection)
	s.dashboards[d.ID] = d
	out := d.Clone()
	s.persistLocked(d)
	s.mu.Unlock()

	s.broadcast()
	return out, nil
}

// Add stores a copy of d, replacing any dashboard with the same id.
func (s *Store) Add(d *Dashboard) error {
	c := d.Clone()
	if err := c.normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	s.dashboards[c.ID] = c
	s.persistLocked(c)
	s.mu.Unlock()

	s.broadcast()
	return nil
}

// Get returns a copy of the dashboard.
func (s *Store) Get(id string) (*Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dashboards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDashboardNotFound, id)
	}
	return d.Clone(), nil
}

// List returns summaries ordered by name.
func (s *Store) List() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.dashboards))
	for _, d := range s.dashboards {
		out = append(out, Summary{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Connection:  d.Connection,
			State:       d.State,
			Items:       len(d.GridItems),
			UpdatedAt:   d.UpdatedAt,
		})
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Summary) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// ListByConnection returns summaries of dashboards bound to one connection.
func (s *Store) ListByConnection(connection string) []Summary {
	return slices.DeleteFunc(s.List(), func(sum Summary) bool { return sum.Connection != connection })
}

// Remove deletes a dashboard.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.dashboards[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDashboardNotFound, id)
	}
	delete(s.dashboards, id)
	if s.persister != nil {
		if err := s.persister.DeleteDashboard(id); err != nil {
			s.logger.Error("failed to delete persisted dashboard", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	s.mu.Unlock()

	s.broadcast()
	return nil
}

// Update runs fn against the live dashboard under the write lock, then persists
// it and notifies listeners. fn must not retain d.
func (s *Store) Update(id string, fn func(d *Dashboard) error) error {
	s.mu.Lock()
	d, ok := s.dashboards[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDashboardNotFound, id)
	}
	if err := fn(d); err != nil {
		s.mu.Unlock()
		return err
	}
	s.persistLocked(d)
	s.mu.Unlock()

	s.broadcast()
	return nil
}

// ApplyGlobalFilter sets the dashboard filter. See Dashboard.ApplyGlobalFilter.
func (s *Store) ApplyGlobalFilter(id, text string) ([]string, error) {
	var changed []string
	err := s.Update(id, func(d *Dashboard) error {
		changed = d.ApplyGlobalFilter(text)
		return nil
	})
	return changed, err
}

// SetCrossFilter propagates a selection. See Dashboard.SetCrossFilter.
func (s *Store) SetCrossFilter(id, source string, concepts, chart Conditions, mode CrossFilterMode) ([]string, error) {
	var changed []string
	err := s.Update(id, func(d *Dashboard) error {
		var err error
		changed, err = d.SetCrossFilter(source, concepts, chart, mode)
		return err
	})
	return changed, err
}

// RemoveCrossFilterFrom drops one source's selections from one item.
func (s *Store) RemoveCrossFilterFrom(id, itemID, filterSource string) (bool, error) {
	var changed bool
	err := s.Update(id, func(d *Dashboard) error {
		var err error
		changed, err = d.RemoveCrossFilterFrom(itemID, filterSource)
		return err
	})
	return changed, err
}

// RemoveCrossFilterSourceOf withdraws an item's selection from the dashboard.
func (s *Store) RemoveCrossFilterSourceOf(id, itemID string) ([]string, error) {
	var changed []string
	err := s.Update(id, func(d *Dashboard) error {
		var err error
		changed, err = d.RemoveCrossFilterSourceOf(itemID)
		return err
	})
	return changed, err
}

// ClearAllFilters resets every filter on the dashboard.
func (s *Store) ClearAllFilters(id string) ([]string, error) {
	var ids []string
	err := s.Update(id, func(d *Dashboard) error {
		ids = d.ClearAllFilters()
		return nil
	})
	return ids, err
}

// DashboardData returns the dashboard-level fields needed to run queries.
func (s *Store) DashboardData(id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dashboards[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDashboardNotFound, id)
	}
	return Snapshot{
		ID:         d.ID,
		Name:       d.Name,
		Connection: d.Connection,
		Filter:     d.Filter,
		Imports:    slices.Clone(d.Imports),
		State:      d.State,
	}, nil
}

// ItemData resolves one item for execution.
func (s *Store) ItemData(dashboardID, itemID string) (ItemData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dashboards[dashboardID]
	if !ok {
		return ItemData{}, fmt.Errorf("%w: %s", ErrDashboardNotFound, dashboardID)
	}
	return d.ItemData(itemID)
}

// SetItemData writes runtime state onto an item. Fresh results are handed to the
// persister's result cache; the dashboard document itself is not rewritten.
func (s *Store) SetItemData(dashboardID, itemID string, u ItemUpdate) error {
	s.mu.Lock()
	d, ok := s.dashboards[dashboardID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDashboardNotFound, dashboardID)
	}
	if err := d.ApplyItemUpdate(itemID, u); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if u.Results != nil && s.persister != nil {
		if err := s.persister.SaveResults(dashboardID, itemID, u.Results); err != nil {
			s.logger.Warn("failed to cache item results",
				slog.String("dashboard", dashboardID),
				slog.String("item", itemID),
				slog.String("error", err.Error()))
		}
	}

	s.broadcast()
	return nil
}

// SerializeLocal encodes every locally stored dashboard keyed by id.
func (s *Store) SerializeLocal() (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.dashboards))
	for id, d := range s.dashboards {
		if d.Storage != StorageLocal {
			continue
		}
		data, err := d.Serialize()
		if err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

func (s *Store) persistLocked(d *Dashboard) {
	if s.persister == nil || d.Storage != StorageLocal {
		return
	}
	data, err := d.Serialize()
	if err == nil {
		err = s.persister.SaveDashboard(d.ID, data)
	}
	if err != nil {
		s.logger.Error("failed to persist dashboard", slog.String("id", d.ID), slog.String("error", err.Error()))
	}
}

func (s *Store) broadcast() {
	if s.notifier != nil {
		s.notifier.Broadcast()
	}
}
