// Package environment defines the handle callers use to run functions in an
// environment, whether isolated in a worker process or in-process.
package environment

import (
	"context"
	"errors"

	"github.com/seantiz/tarn/internal/commands"
	"github.com/seantiz/tarn/internal/depspec"
	"github.com/seantiz/tarn/internal/protocol"
	"github.com/seantiz/tarn/internal/shell"
)

// ErrNotIsolated is returned when installing into an environment that runs
// in the controller itself.
var ErrNotIsolated = errors.New("environment is not isolated")

// LaunchOptions controls how a worker is started.
type LaunchOptions struct {
	// CustomCommand replaces the default worker entry command.
	CustomCommand string
	// Env is appended to the controller's environment for the worker.
	Env           []string
	ActivateHooks commands.Hooks
	// SkipActivation starts the entry command without activating the
	// environment first.
	SkipActivation bool
	// Quiet suppresses logging of launch output.
	Quiet bool
}

// Environment runs module functions on behalf of a caller.
type Environment interface {
	Name() string
	// Install adds dependencies to the environment.
	Install(ctx context.Context, deps depspec.Dependencies, hooks commands.Hooks) error
	// Launch starts the environment's worker. It is a no-op when already
	// launched.
	Launch(ctx context.Context, opts LaunchOptions) error
	Launched() bool
	// Execute calls function from the module at modulePath.
	Execute(ctx context.Context, modulePath, function string, args []any, kwargs map[string]any) (protocol.Result, error)
	// ExecuteCommands runs script lines in the environment and returns their
	// output. Hooks run before the lines.
	ExecuteCommands(ctx context.Context, lines []string, hooks commands.Hooks, opts shell.Options) ([]string, error)
	// ImportModule returns a proxy exposing the module's own functions.
	ImportModule(modulePath string) (*Proxy, error)
	Exit(ctx context.Context) error
}
