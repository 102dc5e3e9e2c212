package executor

import (
	"errors"
	"sync"
)

// ErrManagerClosed is returned by Manager.Get after Close.
var ErrManagerClosed = errors.New("executor manager closed")

// ManagerConfig holds the collaborators shared by every dashboard's executor.
type ManagerConfig struct {
	Queries     QueryService
	Connections Connections
	Editors     Editors
	Dashboards  Dashboards
	Options     Options
}

// Manager owns one executor per dashboard, created on first use.
type Manager struct {
	cfg ManagerConfig

	mu        sync.Mutex
	executors map[string]*Executor
	closed    bool
}

// NewManager creates an executor manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, executors: make(map[string]*Executor)}
}

// Get returns the dashboard's executor, creating it if needed. The executor
// follows the dashboard's current connection.
func (m *Manager) Get(dashboardID string) (*Executor, error) {
	if m.cfg.Dashboards == nil {
		return nil, errors.New("executor requires a dashboard accessor")
	}
	snap, err := m.cfg.Dashboards.DashboardData(dashboardID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if e, ok := m.executors[dashboardID]; ok {
		e.SetConnection(snap.Connection)
		return e, nil
	}

	e, err := New(Config{
		DashboardID:    dashboardID,
		ConnectionName: snap.Connection,
		Queries:        m.cfg.Queries,
		Connections:    m.cfg.Connections,
		Editors:        m.cfg.Editors,
		Dashboards:     m.cfg.Dashboards,
		Options:        m.cfg.Options,
	})
	if err != nil {
		return nil, err
	}
	m.executors[dashboardID] = e
	return e, nil
}

// Remove closes and forgets the dashboard's executor.
func (m *Manager) Remove(dashboardID string) {
	m.mu.Lock()
	e, ok := m.executors[dashboardID]
	delete(m.executors, dashboardID)
	m.mu.Unlock()
	if ok {
		e.Close()
	}
}

// Close closes every executor. Later Get calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	executors := m.executors
	m.executors = make(map[string]*Executor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range executors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Close()
		}()
	}
	wg.Wait()
}
