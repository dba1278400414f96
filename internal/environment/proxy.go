package environment

import (
	"context"
	"fmt"
	"sort"

	"github.com/seantiz/tarn/internal/module"
	"github.com/seantiz/tarn/internal/protocol"
)

// ExecuteFunc sends one call to an environment.
type ExecuteFunc func(ctx context.Context, modulePath, function string, args []any, kwargs map[string]any) (protocol.Result, error)

// BoundFunc is a module function bound to an environment.
type BoundFunc func(ctx context.Context, args []any, kwargs map[string]any) (protocol.Result, error)

// Proxy stands in for a module loaded in an environment. Calling one of its
// functions executes the real function there.
type Proxy struct {
	modulePath string
	funcs      map[string]BoundFunc
}

// NewProxy binds every function m defines itself to execute. Functions the
// module only imports are not exposed.
func NewProxy(modulePath string, m *module.Module, execute ExecuteFunc) *Proxy {
	p := &Proxy{modulePath: modulePath, funcs: make(map[string]BoundFunc)}
	for _, name := range m.Functions() {
		p.funcs[name] = func(ctx context.Context, args []any, kwargs map[string]any) (protocol.Result, error) {
			return execute(ctx, modulePath, name, args, kwargs)
		}
	}
	return p
}

// ModulePath returns the path the proxy was imported from.
func (p *Proxy) ModulePath() string {
	return p.modulePath
}

// Func returns the bound function called name.
func (p *Proxy) Func(name string) (BoundFunc, bool) {
	fn, ok := p.funcs[name]
	return fn, ok
}

// Call executes function in the environment.
func (p *Proxy) Call(ctx context.Context, function string, args []any, kwargs map[string]any) (protocol.Result, error) {
	fn, ok := p.funcs[function]
	if !ok {
		return nil, fmt.Errorf("module %s exposes no function %s", p.modulePath, function)
	}
	return fn(ctx, args, kwargs)
}

// Functions returns the exposed function names, sorted.
func (p *Proxy) Functions() []string {
	names := make([]string, 0, len(p.funcs))
	for name := range p.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
