package executor

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Factory builds an executor from a config snapshot.
type Factory func(cfg Config) (Executor, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// DefaultName is used when a config leaves Name empty.
const DefaultName = "http"

// Register makes a factory available by name. Registering a name twice
// replaces the previous factory.
func Register(name string, factory Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[name] = factory
	registryMu.Unlock()
}

// New builds the executor named by cfg.Name.
func New(cfg Config) (Executor, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = DefaultName
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown executor %q (registered: %s)", name, strings.Join(Names(), ", "))
	}
	exec, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "build executor %s", name)
	}
	return exec, nil
}

// Names lists registered executors.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(DefaultName, func(cfg Config) (Executor, error) { return NewHTTPExecutor(cfg, nil) })
}
