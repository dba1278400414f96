package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/seantiz/tarn/internal/depspec"
	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/shell"
)

// DependenciesAreInstalled reports whether every requirement in deps is
// installed in environment name. Platform restrictions are ignored. An empty
// name checks the controller's own build against the requirements.
//
// Package listings are queried once per environment and package manager and
// reused until an install changes the environment.
func (m *Manager) DependenciesAreInstalled(ctx context.Context, name string, deps depspec.Dependencies) (bool, error) {
	if deps.Empty() {
		return true, nil
	}
	if name != "" && !m.settings.EnvironmentExists(name) {
		return false, nil
	}

	conda, pip, err := deps.Format(depspec.CurrentPlatform(), false)
	if err != nil {
		return false, err
	}

	for _, check := range []struct {
		manager string
		specs   []string
	}{
		{model.ManagerConda, conda.All()},
		{model.ManagerPip, pip.All()},
	} {
		if len(check.specs) == 0 {
			continue
		}
		listing, err := m.installedPackages(ctx, name, check.manager)
		if err != nil {
			return false, err
		}
		if !depspec.AllInstalled(listing, check.specs) {
			return false, nil
		}
	}
	return true, nil
}

// installedPackages returns the cached package listing of manager in
// environment name, querying it on first use.
func (m *Manager) installedPackages(ctx context.Context, name, manager string) ([]string, error) {
	m.mu.Lock()
	listing, ok := m.installed[name][manager]
	m.mu.Unlock()
	if ok {
		return listing, nil
	}

	if name == "" {
		listing = buildListing()
	} else {
		script, err := m.commands.ListInstalled(name, manager)
		if err != nil {
			return nil, err
		}
		listing, err = m.executor.Run(ctx, script, shell.Options{Env: m.settings.ProxyEnv(), FailFast: true, Quiet: true})
		if err != nil {
			return nil, fmt.Errorf("list %s packages in %s: %w", manager, name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed[name] == nil {
		m.installed[name] = make(map[string][]string)
	}
	m.installed[name][manager] = listing
	return listing, nil
}

// buildListing renders the controller's module dependencies in
// "path==version" form so requirements match them like a pip freeze.
func buildListing() []string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	listing := []string{"go==" + strings.TrimPrefix(info.GoVersion, "go")}
	if info.Main.Path != "" {
		listing = append(listing, info.Main.Path+"=="+info.Main.Version)
	}
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		listing = append(listing, dep.Path+"=="+dep.Version)
	}
	return listing
}
