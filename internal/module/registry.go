package module

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// ErrModuleNotFound is returned when no module is registered under a name.
var ErrModuleNotFound = errors.New("module not found")

// Registry holds modules keyed by name.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Default is the registry modules add themselves to from init functions.
var Default = NewRegistry()

// Register adds m to the Default registry.
func Register(m *Module) {
	Default.Register(m)
}

// Register adds m under its name, replacing any module of the same name.
func (r *Registry) Register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

// Resolve returns the module whose name is the file stem of modulePath.
func (r *Registry) Resolve(modulePath string) (*Module, error) {
	name := Stem(modulePath)

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, modulePath)
	}
	return m, nil
}

// List returns the names of all registered modules, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loader resolves module paths through a Registry and caches the result per
// name. Each distinct containing directory is recorded on the search path.
// It is safe for concurrent use.
type Loader struct {
	registry *Registry

	mu         sync.Mutex
	cache      map[string]*Module
	searchPath []string
}

// NewLoader creates a loader backed by registry.
func NewLoader(registry *Registry) *Loader {
	return &Loader{registry: registry, cache: make(map[string]*Module)}
}

// Load returns the module for modulePath, resolving it at most once per name.
func (l *Loader) Load(modulePath string) (*Module, error) {
	name := Stem(modulePath)

	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.cache[name]; ok {
		return m, nil
	}

	l.addSearchDir(filepath.Dir(modulePath))

	m, err := l.registry.Resolve(modulePath)
	if err != nil {
		return nil, err
	}
	l.cache[name] = m
	return m, nil
}

// SearchPath returns the directories recorded so far.
func (l *Loader) SearchPath() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.searchPath...)
}

func (l *Loader) addSearchDir(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	for _, d := range l.searchPath {
		if d == abs {
			return
		}
	}
	l.searchPath = append(l.searchPath, abs)
}

// MissingFunction is the message reported when the module at modulePath has
// no function called function.
func MissingFunction(modulePath, function string) string {
	return fmt.Sprintf("Module %s has no function %s.", modulePath, function)
}
