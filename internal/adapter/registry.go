package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/developer-mesh/integration-manager/pkg/observability"
)

// Factory builds an adapter from its configuration section
type Factory func(cfg map[string]interface{}, logger observability.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a factory available under name. Registering the same name
// twice panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("adapter: nil factory for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("adapter: duplicate registration of " + name)
	}
	registry[name] = factory
}

// New builds the adapter registered under name
func New(name string, cfg map[string]interface{}, logger observability.Logger) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (registered: %v)", name, Registered())
	}
	a, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter %q: %w", name, err)
	}
	return a, nil
}

// Registered lists the registered adapter names
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
