// Package editor holds the model and query texts that dashboards import.
package editor

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Editor is a named source text bound to a connection.
type Editor struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Contents   string    `json:"contents"`
	Connection string    `json:"connection"`
	Deleted    bool      `json:"deleted"`
	Path       string    `json:"path,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Registry is a thread-safe set of editors keyed by id.
type Registry struct {
	mu      sync.RWMutex
	editors map[string]*Editor
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{editors: make(map[string]*Editor), logger: logger}
}

// Put adds or replaces an editor.
func (r *Registry) Put(e Editor) {
	if e.Type == "" {
		e.Type = core.EditorTrilogy
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.editors[e.ID] = &e
}

// Delete marks an editor deleted. Deleted editors no longer resolve.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.editors[id]
	if !ok || e.Deleted {
		return false
	}
	e.Deleted = true
	e.UpdatedAt = time.Now().UTC()
	return true
}

// Get looks an editor up by id, then by name.
func (r *Registry) Get(key string) (Editor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.lookup(key); e != nil {
		return *e, true
	}
	return Editor{}, false
}

// Contents returns the text of the editor with the given id or name.
func (r *Registry) Contents(key string) (string, bool) {
	e, ok := r.Get(key)
	return e.Contents, ok
}

// List returns live editors ordered by name.
func (r *Registry) List() []Editor {
	r.mu.RLock()
	out := make([]Editor, 0, len(r.editors))
	for _, e := range r.editors {
		if !e.Deleted {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Editor) int { return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID)) })
	return out
}

// ResolveImports turns imports into resolver sources. Each source is aliased by
// the import name; its text comes from the editor matching the import id, then
// the import name. Unresolved imports yield empty contents.
func (r *Registry) ResolveImports(imports []core.Import) []core.ContentInput {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ContentInput, 0, len(imports))
	for _, imp := range imports {
		var contents string
		e := r.lookup(imp.ID)
		if e == nil {
			e = r.lookup(imp.Name)
		}
		if e != nil {
			contents = e.Contents
		} else {
			r.logger.Warn("import not found", "id", imp.ID, "name", imp.Name)
		}
		out = append(out, core.ContentInput{Alias: imp.Name, Contents: contents})
	}
	return out
}

func (r *Registry) lookup(key string) *Editor {
	if key == "" {
		return nil
	}
	if e, ok := r.editors[key]; ok && !e.Deleted {
		return e
	}
	for _, e := range r.editors {
		if e.Name == key && !e.Deleted {
			return e
		}
	}
	return nil
}
