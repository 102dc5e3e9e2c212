// Package connection manages the named data connections queries run against.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapter"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Source names an editor whose contents form part of a connection's model.
type Source struct {
	Editor string `koanf:"editor" json:"editor"`
	Alias  string `koanf:"alias" json:"alias"`
}

// Config describes one named connection.
type Config struct {
	Name    string
	Adapter core.AdapterConfig
	Sources []Source
}

// SourceReader returns editor contents by id or name.
type SourceReader interface {
	Contents(key string) (string, bool)
}

type entry struct {
	cfg       Config
	adapter   adapter.Adapter
	connected bool
	lastErr   error
}

// Registry holds named connections and their lazily connected adapters.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*entry
	sources SourceReader
	logger  *slog.Logger
}

// NewRegistry creates a registry over the given connection configs.
func NewRegistry(configs []Config, sources SourceReader, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		conns:   make(map[string]*entry, len(configs)),
		sources: sources,
		logger:  logger,
	}
	for _, cfg := range configs {
		if err := r.Add(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a connection. Names must be unique.
func (r *Registry) Add(cfg Config) error {
	if cfg.Name == "" {
		return errors.New("connection name is required")
	}
	if cfg.Adapter.Type == "" {
		return fmt.Errorf("connection %s: adapter type not specified", cfg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[cfg.Name]; ok {
		return fmt.Errorf("connection %s already exists", cfg.Name)
	}
	r.conns[cfg.Name] = &entry{cfg: cfg}
	return nil
}

// List returns the status of every connection, ordered by name.
func (r *Registry) List() []core.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ConnectionStatus, 0, len(r.conns))
	for name, e := range r.conns {
		out = append(out, statusOf(name, e))
	}
	slices.SortFunc(out, func(a, b core.ConnectionStatus) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Status reports the runtime state of a connection.
func (r *Registry) Status(name string) (core.ConnectionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[name]
	if !ok {
		return core.ConnectionStatus{}, fmt.Errorf("%w: %s", core.ErrConnectionNotFound, name)
	}
	return statusOf(name, e), nil
}

func statusOf(name string, e *entry) core.ConnectionStatus {
	st := core.ConnectionStatus{
		Name:      name,
		Type:      e.cfg.Adapter.Type,
		Connected: e.connected,
	}
	if e.adapter != nil {
		st.Dialect = e.adapter.DialectName()
	}
	if e.lastErr != nil {
		st.Error = e.lastErr.Error()
	}
	return st
}

// Connect establishes the connection if it is not already up.
func (r *Registry) Connect(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[name]
	if !ok {
		return &core.ConnectionError{Connection: name, Err: core.ErrConnectionNotFound}
	}
	if e.connected {
		return nil
	}

	r.logger.Debug("connecting", "connection", name, "adapter_type", e.cfg.Adapter.Type)

	a, err := adapter.NewAdapter(e.cfg.Adapter, r.logger)
	if err != nil {
		e.lastErr = err
		return &core.ConnectionError{Connection: name, Err: fmt.Errorf("failed to create adapter: %w", err)}
	}
	if err := a.Connect(ctx, e.cfg.Adapter); err != nil {
		e.lastErr = err
		return &core.ConnectionError{Connection: name, Err: err}
	}

	e.adapter = a
	e.connected = true
	e.lastErr = nil
	r.logger.Debug("connected", "connection", name, "dialect", a.DialectName())
	return nil
}

// Disconnect closes the connection's adapter. The connection stays registered.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrConnectionNotFound, name)
	}
	return r.disconnectLocked(e)
}

// Reset closes and reopens the connection.
func (r *Registry) Reset(ctx context.Context, name string) error {
	if err := r.Disconnect(name); err != nil {
		return err
	}
	return r.Connect(ctx, name)
}

func (r *Registry) disconnectLocked(e *entry) error {
	if e.adapter == nil {
		e.connected = false
		return nil
	}
	err := e.adapter.Close()
	e.adapter = nil
	e.connected = false
	if err != nil {
		return fmt.Errorf("failed to close connection %s: %w", e.cfg.Name, err)
	}
	return nil
}

// Adapter returns the live adapter for a connected connection.
func (r *Registry) Adapter(name string) (adapter.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[name]
	if !ok {
		return nil, &core.ConnectionError{Connection: name, Err: core.ErrConnectionNotFound}
	}
	if !e.connected || e.adapter == nil {
		return nil, &core.ConnectionError{Connection: name}
	}
	return e.adapter, nil
}

// Sources returns the model sources of a connection with their current
// editor contents. Sources whose editor is missing are skipped.
func (r *Registry) Sources(name string) ([]core.ContentInput, error) {
	r.mu.Lock()
	e, ok := r.conns[name]
	var srcs []Source
	if ok {
		srcs = slices.Clone(e.cfg.Sources)
	}
	r.mu.Unlock()
	if !ok {
		return nil, &core.ConnectionError{Connection: name, Err: core.ErrConnectionNotFound}
	}

	out := make([]core.ContentInput, 0, len(srcs))
	for _, s := range srcs {
		if r.sources == nil {
			break
		}
		contents, ok := r.sources.Contents(s.Editor)
		if !ok {
			r.logger.Warn("model source not found", "connection", name, "editor", s.Editor)
			continue
		}
		alias := s.Alias
		if alias == "" {
			alias = s.Editor
		}
		out = append(out, core.ContentInput{Alias: alias, Contents: contents})
	}
	return out, nil
}

// Close disconnects every connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, e := range r.conns {
		if err := r.disconnectLocked(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
