package dashboard

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

type memPersister struct {
	mu         sync.Mutex
	dashboards map[string][]byte
	results    map[string]map[string]*core.Results
}

func newMemPersister() *memPersister {
	return &memPersister{
		dashboards: map[string][]byte{},
		results:    map[string]map[string]*core.Results{},
	}
}

func (p *memPersister) SaveDashboard(id string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dashboards[id] = data
	return nil
}

func (p *memPersister) DeleteDashboard(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dashboards, id)
	delete(p.results, id)
	return nil
}

func (p *memPersister) LoadDashboards() (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte, len(p.dashboards))
	for k, v := range p.dashboards {
		out[k] = v
	}
	return out, nil
}

func (p *memPersister) SaveResults(dashboardID, itemID string, results *core.Results) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.results[dashboardID] == nil {
		p.results[dashboardID] = map[string]*core.Results{}
	}
	p.results[dashboardID][itemID] = results
	return nil
}

func (p *memPersister) LoadResults(dashboardID string) (map[string]*core.Results, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[dashboardID], nil
}

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Broadcast() { c.n.Add(1) }

func TestStore_CreateAndList(t *testing.T) {
	p := newMemPersister()
	n := &countingNotifier{}
	s := NewStore(StoreConfig{Persister: p, Notifier: n})

	_, err := s.Create("zeta", "duck")
	require.NoError(t, err)
	_, err = s.Create("alpha", "pg")
	require.NoError(t, err)

	_, err = s.Create("zeta", "duck")
	assert.True(t, errors.Is(err, ErrDashboardExists))
	_, err = s.Create("", "duck")
	assert.Error(t, err)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)

	byConn := s.ListByConnection("duck")
	require.Len(t, byConn, 1)
	assert.Equal(t, "zeta", byConn[0].ID)

	assert.Len(t, p.dashboards, 2)
	assert.Equal(t, int32(2), n.n.Load())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(StoreConfig{})
	_, err := s.Create("sales", "duck")
	require.NoError(t, err)

	d, err := s.Get("sales")
	require.NoError(t, err)
	d.Filter = "mutated"

	again, err := s.Get("sales")
	require.NoError(t, err)
	assert.Empty(t, again.Filter)

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, ErrDashboardNotFound))
}

func TestStore_UpdatePersistsAndNotifies(t *testing.T) {
	p := newMemPersister()
	n := &countingNotifier{}
	s := NewStore(StoreConfig{Persister: p, Notifier: n})
	require.NoError(t, s.Add(newTestDashboard(t)))
	n.n.Store(0)

	changed, err := s.ApplyGlobalFilter("sales", "order.year = 2024")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, changed)
	assert.Equal(t, int32(1), n.n.Load())

	saved, err := FromSerialized(p.dashboards["sales"])
	require.NoError(t, err)
	assert.Equal(t, "order.year = 2024", saved.Filter)

	boom := errors.New("boom")
	err = s.Update("sales", func(d *Dashboard) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), n.n.Load(), "failed updates do not notify")

	_, err = s.SetCrossFilter("sales", "9", Conditions{"a": 1}, nil, ModeAdd)
	assert.True(t, errors.Is(err, ErrItemNotFound))
}

func TestStore_CrossFilterWrappers(t *testing.T) {
	s := NewStore(StoreConfig{})
	require.NoError(t, s.Add(newTestDashboard(t)))

	changed, err := s.SetCrossFilter("sales", "0", Conditions{"order.region": "east"}, Conditions{"region": "east"}, ModeAdd)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, changed)

	ok, err := s.RemoveCrossFilterFrom("sales", "1", "0")
	require.NoError(t, err)
	assert.True(t, ok)

	changed, err = s.RemoveCrossFilterSourceOf("sales", "0")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, changed)

	ids, err := s.ClearAllFilters("sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, ids)
}

func TestStore_ExecutorAccessors(t *testing.T) {
	p := newMemPersister()
	s := NewStore(StoreConfig{Persister: p})
	d := newTestDashboard(t)
	d.Imports = []core.Import{{ID: "orders", Name: "orders"}}
	require.NoError(t, s.Add(d))
	_, err := s.ApplyGlobalFilter("sales", "order.year = 2024")
	require.NoError(t, err)

	snap, err := s.DashboardData("sales")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		ID:         "sales",
		Name:       "sales",
		Connection: "duck",
		Filter:     "order.year = 2024",
		Imports:    []core.Import{{ID: "orders", Name: "orders"}},
		State:      StateEditing,
	}, snap)

	data, err := s.ItemData("sales", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"order.year = 2024"}, data.FilterValues())

	results := &core.Results{Rows: []map[string]any{{"total": 3}}}
	require.NoError(t, s.SetItemData("sales", "1", SuccessUpdate(results)))
	data, err = s.ItemData("sales", "1")
	require.NoError(t, err)
	assert.Same(t, results, data.Results)
	assert.Same(t, results, p.results["sales"]["1"])

	assert.True(t, errors.Is(s.SetItemData("missing", "1", IdleUpdate()), ErrDashboardNotFound))
	_, err = s.DashboardData("missing")
	assert.True(t, errors.Is(err, ErrDashboardNotFound))
}

func TestStore_LoadRestoresResults(t *testing.T) {
	p := newMemPersister()
	first := NewStore(StoreConfig{Persister: p})
	require.NoError(t, first.Add(newTestDashboard(t)))
	results := &core.Results{Rows: []map[string]any{{"total": 3}}}
	require.NoError(t, first.SetItemData("sales", "2", SuccessUpdate(results)))
	p.dashboards["broken"] = []byte("{")

	second := NewStore(StoreConfig{Persister: p})
	require.NoError(t, second.Load())

	list := second.List()
	require.Len(t, list, 1, "unreadable dashboards are skipped")
	data, err := second.ItemData("sales", "2")
	require.NoError(t, err)
	assert.Same(t, results, data.Results)
}

func TestStore_RemoteDashboardsAreNotPersisted(t *testing.T) {
	p := newMemPersister()
	s := NewStore(StoreConfig{Persister: p})
	d := newTestDashboard(t)
	d.Storage = StorageRemote
	require.NoError(t, s.Add(d))

	assert.Empty(t, p.dashboards)
	local, err := s.SerializeLocal()
	require.NoError(t, err)
	assert.Empty(t, local)

	require.NoError(t, s.Remove("sales"))
	assert.True(t, errors.Is(s.Remove("sales"), ErrDashboardNotFound))
}
