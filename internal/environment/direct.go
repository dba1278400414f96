package environment

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/tarn/internal/commands"
	"github.com/seantiz/tarn/internal/depspec"
	"github.com/seantiz/tarn/internal/module"
	"github.com/seantiz/tarn/internal/protocol"
	"github.com/seantiz/tarn/internal/shell"
)

// Runner runs instruction scripts to completion. *shell.Executor implements
// it.
type Runner interface {
	Run(ctx context.Context, commands []string, opts shell.Options) ([]string, error)
}

// Direct runs functions inside the controller. It is returned when the
// controller already satisfies an environment's dependencies.
type Direct struct {
	name   string
	loader *module.Loader
	runner Runner
}

var _ Environment = (*Direct)(nil)

// NewDirect creates an in-process environment resolving modules through
// loader.
func NewDirect(name string, loader *module.Loader) *Direct {
	return &Direct{name: name, loader: loader}
}

// WithRunner sets the runner used by ExecuteCommands.
func (d *Direct) WithRunner(r Runner) *Direct {
	d.runner = r
	return d
}

func (d *Direct) Name() string { return d.name }

// Install always fails: a Direct environment has nothing to install into.
func (d *Direct) Install(context.Context, depspec.Dependencies, commands.Hooks) error {
	return ErrNotIsolated
}

func (d *Direct) Launch(context.Context, LaunchOptions) error { return nil }

func (d *Direct) Launched() bool { return true }

func (d *Direct) Exit(context.Context) error { return nil }

// Execute calls the function in-process. Arguments and the result go through
// the same JSON encoding as a remote call, so results compare equal.
func (d *Direct) Execute(ctx context.Context, modulePath, function string, args []any, kwargs map[string]any) (protocol.Result, error) {
	m, err := d.loader.Load(modulePath)
	if err != nil {
		return nil, err
	}
	fn, ok := m.Lookup(function)
	if !ok {
		return nil, errors.New(module.MissingFunction(modulePath, function))
	}

	call, err := module.NewCall(args, kwargs)
	if err != nil {
		return nil, err
	}
	value, err := fn(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", module.Stem(modulePath), function, err)
	}
	return protocol.EncodeResult(value)
}

// ExecuteCommands runs hooks and lines in the controller's own environment,
// without activating anything.
func (d *Direct) ExecuteCommands(ctx context.Context, lines []string, hooks commands.Hooks, opts shell.Options) ([]string, error) {
	runner := d.runner
	if runner == nil {
		runner = shell.NewExecutor(nil)
	}
	script := append(hooks.Current(), lines...)
	return runner.Run(ctx, script, opts)
}

func (d *Direct) ImportModule(modulePath string) (*Proxy, error) {
	m, err := d.loader.Load(modulePath)
	if err != nil {
		return nil, err
	}
	return NewProxy(modulePath, m, d.Execute), nil
}
