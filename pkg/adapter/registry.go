package adapter

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Factory builds an unconnected adapter. A nil logger means discard.
type Factory func(*slog.Logger) Adapter

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// aliases maps every accepted spelling to its canonical type name.
	aliases = make(map[string]string)
)

// Register adds an adapter factory under name. Aliases are alternate
// spellings accepted in connection configs, such as the resolver's dialect
// name. Names are case-insensitive.
// Called by adapter implementations in their init() functions.
func Register(name string, factory Factory, alias ...string) {
	name = strings.ToLower(name)

	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
	aliases[name] = name
	for _, a := range alias {
		aliases[strings.ToLower(a)] = name
	}
}

// Canonical returns the registered type name for a type or one of its
// aliases.
func Canonical(typ string) (string, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	name, ok := aliases[strings.ToLower(typ)]
	return name, ok
}

// NewAdapter creates an unconnected adapter for cfg.Type.
func NewAdapter(cfg core.AdapterConfig, logger *slog.Logger) (Adapter, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("adapter type not specified")
	}

	registryMu.RLock()
	factory, ok := factories[aliases[strings.ToLower(cfg.Type)]]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownAdapterError{
			Type:      cfg.Type,
			Available: ListAdapters(),
		}
	}
	return factory(logger), nil
}

// ListAdapters returns the canonical names of all registered adapters, sorted.
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if an adapter type or alias is registered.
func IsRegistered(typ string) bool {
	_, ok := Canonical(typ)
	return ok
}

// UnknownAdapterError is returned when a connection names an adapter type
// that no imported adapter package registered.
type UnknownAdapterError struct {
	Type      string
	Available []string
}

func (e *UnknownAdapterError) Error() string {
	return fmt.Sprintf("unknown adapter type %q (available: %s); check connections.<name>.type in studio.yaml",
		e.Type, strings.Join(e.Available, ", "))
}
