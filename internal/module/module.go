// Package module is the table of functions a worker can run. Modules are
// compiled into the binary and registered by name, standing in for loading
// code from a file path at run time.
package module

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Func is a function callable through a worker.
type Func func(ctx context.Context, call *Call) (any, error)

// Call carries the JSON-encoded arguments of one invocation.
type Call struct {
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
}

// NewCall encodes plain Go arguments into a Call.
func NewCall(args []any, kwargs map[string]any) (*Call, error) {
	c := &Call{Args: make([]json.RawMessage, len(args))}
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		c.Args[i] = data
	}
	if len(kwargs) > 0 {
		c.Kwargs = make(map[string]json.RawMessage, len(kwargs))
		for k, v := range kwargs {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode keyword argument %q: %w", k, err)
			}
			c.Kwargs[k] = data
		}
	}
	return c, nil
}

// Arg decodes positional argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("missing positional argument %d (got %d)", i, len(c.Args))
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Kwarg decodes keyword argument name into v and reports whether it was
// given.
func (c *Call) Kwarg(name string, v any) (bool, error) {
	raw, ok := c.Kwargs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("keyword argument %s: %w", name, err)
	}
	return true, nil
}

// Param decodes positional argument i, or keyword argument name when fewer
// positional arguments were passed, into v. It reports whether either was
// given.
func (c *Call) Param(i int, name string, v any) (bool, error) {
	if i < len(c.Args) {
		return true, c.Arg(i, v)
	}
	return c.Kwarg(name, v)
}

// Module is a named set of functions.
type Module struct {
	path     string
	own      map[string]Func
	imported map[string]Func
}

// New creates an empty module registered under path. The module name is the
// file stem of path.
func New(path string) *Module {
	return &Module{
		path:     path,
		own:      make(map[string]Func),
		imported: make(map[string]Func),
	}
}

// Define adds a function declared by the module itself.
func (m *Module) Define(name string, fn Func) *Module {
	m.own[name] = fn
	return m
}

// Import adds a function the module re-exports from elsewhere. Imported
// functions are callable but not listed by Functions.
func (m *Module) Import(name string, fn Func) *Module {
	m.imported[name] = fn
	return m
}

// Path returns the path the module was declared with.
func (m *Module) Path() string {
	return m.path
}

// Name returns the module's file stem.
func (m *Module) Name() string {
	return Stem(m.path)
}

// Lookup finds a function declared or imported by the module.
func (m *Module) Lookup(name string) (Func, bool) {
	if fn, ok := m.own[name]; ok {
		return fn, true
	}
	fn, ok := m.imported[name]
	return fn, ok
}

// Functions returns the names of the functions the module declares, sorted.
func (m *Module) Functions() []string {
	names := make([]string, 0, len(m.own))
	for name := range m.own {
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stem returns the file name of path without directory or extension.
// Both slash styles are accepted so Windows paths resolve on any host.
func Stem(p string) string {
	base := path.Base(strings.ReplaceAll(p, `\`, "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
