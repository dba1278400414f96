package manager

import (
	"context"
	"fmt"

	"github.com/seantiz/tarn/internal/commands"
	"github.com/seantiz/tarn/internal/shell"
)

// ExecuteCommands runs lines in the activated environment name, after the
// activation hooks, and returns their output. The environment must be
// installed. The manager's proxy settings are added to opts.Env.
func (m *Manager) ExecuteCommands(ctx context.Context, name string, lines []string, hooks commands.Hooks, opts shell.Options) (output []string, err error) {
	ctx, span := m.startSpan(ctx, "commands", name)
	defer func() { endSpan(span, err) }()

	if !m.settings.EnvironmentExists(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	script, err := m.commands.ActivateEnvironment(name, hooks)
	if err != nil {
		return nil, err
	}
	script = append(script, lines...)

	opts.Env = append(m.settings.ProxyEnv(), opts.Env...)
	m.logger.Info("executing commands", "environment", name, "commands", len(lines))
	output, err = m.executor.Run(ctx, script, opts)
	if err != nil {
		return output, fmt.Errorf("commands in %s: %w", name, err)
	}
	return output, nil
}
