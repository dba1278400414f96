package manager

import (
	"context"
	"fmt"

	"github.com/seantiz/tarn/internal/commands"
	"github.com/seantiz/tarn/internal/depspec"
	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/shell"
)

// CreateOptions controls Create.
type CreateOptions struct {
	InstallHooks  commands.Hooks
	ActivateHooks commands.Hooks
	// Reference names an environment whose packages may already satisfy the
	// dependencies, in which case nothing is created. Nil skips the check;
	// an empty name is the controller itself.
	Reference *string
	// ErrorIfExists makes Create fail with ErrAlreadyExists instead of
	// reusing an existing environment.
	ErrorIfExists bool
}

// Create installs environment name with deps. It returns false when the
// reference environment already satisfies deps and no isolated environment
// is needed, and true once the environment exists.
//
// Dependencies are checked against the current platform before any
// instruction runs.
func (m *Manager) Create(ctx context.Context, name string, deps depspec.Dependencies, opts CreateOptions) (created bool, err error) {
	ctx, span := m.startSpan(ctx, "create", name)
	defer func() { endSpan(span, err) }()

	conda, pip, err := deps.Format(depspec.CurrentPlatform(), true)
	if err != nil {
		return false, err
	}

	if opts.Reference != nil {
		satisfied, err := m.DependenciesAreInstalled(ctx, *opts.Reference, deps)
		if err != nil {
			return false, fmt.Errorf("check reference environment: %w", err)
		}
		if satisfied {
			m.logger.Info("dependencies satisfied by reference environment",
				"environment", name, "reference", *opts.Reference)
			return false, nil
		}
	}

	if m.settings.EnvironmentExists(name) {
		if opts.ErrorIfExists {
			return false, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		if _, err := m.register(ctx, name); err != nil {
			return false, err
		}
		return true, nil
	}

	python := deps.Python
	if python == "" {
		python = m.python
	}
	if err := depspec.CheckPythonVersion(python); err != nil {
		return false, err
	}

	script, err := m.commands.ActivateConda()
	if err != nil {
		return false, err
	}
	script = append(script, m.commands.Create(name, python))
	script = append(script, m.commands.InstallDependencies(name, conda, pip)...)
	script = append(script, opts.InstallHooks.Current()...)
	script = append(script, opts.ActivateHooks.Current()...)

	m.logger.Info("creating environment", "environment", name, "python", python)
	if _, err := m.executor.Run(ctx, script, shell.Options{Env: m.settings.ProxyEnv(), FailFast: true}); err != nil {
		return false, fmt.Errorf("create %s: %w", name, err)
	}

	if err := m.markInstalled(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

// CreateAndLaunch creates environment name when needed and launches its
// worker. When the reference environment already satisfies deps, the
// returned environment runs functions in-process instead.
func (m *Manager) CreateAndLaunch(ctx context.Context, name string, deps depspec.Dependencies, create CreateOptions, launch environment.LaunchOptions) (environment.Environment, error) {
	created, err := m.Create(ctx, name, deps, create)
	if err != nil {
		return nil, err
	}
	if !created {
		return environment.NewDirect(*create.Reference, m.modules).WithRunner(m.executor), nil
	}

	if launch.ActivateHooks == nil {
		launch.ActivateHooks = create.ActivateHooks
	}
	client, err := m.Launch(ctx, name, launch)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// InstallDependencies installs deps into the existing environment name.
func (m *Manager) InstallDependencies(ctx context.Context, name string, deps depspec.Dependencies, hooks commands.Hooks) (err error) {
	ctx, span := m.startSpan(ctx, "install", name)
	defer func() { endSpan(span, err) }()

	conda, pip, err := deps.Format(depspec.CurrentPlatform(), true)
	if err != nil {
		return err
	}

	script, err := m.commands.ActivateConda()
	if err != nil {
		return err
	}
	script = append(script, m.commands.InstallDependencies(name, conda, pip)...)
	script = append(script, hooks.Current()...)

	m.logger.Info("installing dependencies", "environment", name,
		"conda", conda.All(), "pip", pip.All())
	if _, err := m.executor.Run(ctx, script, shell.Options{Env: m.settings.ProxyEnv(), FailFast: true}); err != nil {
		return fmt.Errorf("install dependencies in %s: %w", name, err)
	}
	return m.markInstalled(ctx, name)
}

// Install installs a single conda package, optionally from channel, into
// environment name.
func (m *Manager) Install(ctx context.Context, name, pkg, channel string) (err error) {
	ctx, span := m.startSpan(ctx, "install", name)
	defer func() { endSpan(span, err) }()

	script, err := m.commands.InstallPackage(name, pkg, channel)
	if err != nil {
		return err
	}

	m.logger.Info("installing package", "environment", name, "package", pkg, "channel", channel)
	if _, err := m.executor.Run(ctx, script, shell.Options{Env: m.settings.ProxyEnv(), FailFast: true}); err != nil {
		return fmt.Errorf("install %s in %s: %w", pkg, name, err)
	}
	return m.markInstalled(ctx, name)
}
