// Package manager owns the environments of one controller: it creates them
// with micromamba, launches their workers, and tracks each one through its
// lifecycle until exit.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/tarn/internal/commands"
	"github.com/seantiz/tarn/internal/logbroker"
	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/module"
	"github.com/seantiz/tarn/internal/settings"
	"github.com/seantiz/tarn/internal/shell"
	"github.com/seantiz/tarn/internal/store"
	"github.com/seantiz/tarn/internal/telemetry"
	"github.com/seantiz/tarn/internal/transport"
)

// Defaults applied by New.
const (
	DefaultWorkerBin     = "tarn-worker"
	DefaultPythonVersion = "3.11"
	DefaultLaunchTimeout = 2 * time.Minute
)

// Executor runs instruction scripts. *shell.Executor implements it.
type Executor interface {
	Start(ctx context.Context, commands []string, opts shell.Options) (*shell.Process, error)
	Run(ctx context.Context, commands []string, opts shell.Options) ([]string, error)
}

// Options configures a Manager. Settings and Store are required.
type Options struct {
	Settings *settings.Settings
	Store    store.Store
	Executor Executor
	Broker   *logbroker.Broker
	// Modules resolves module paths for ImportModule and in-process
	// environments. Defaults to a loader over module.Default.
	Modules *module.Loader
	Logger  *slog.Logger

	WorkerBin     string
	PythonVersion string
	// Network is the worker transport, transport.NetworkTCP by default.
	Network  string
	VsockCID uint32
	// RequestTimeout bounds a remote call whose context has no deadline.
	// Zero waits indefinitely.
	RequestTimeout time.Duration
	LaunchTimeout  time.Duration
}

// Manager is the registry of environments known to one controller. It is
// safe for concurrent use.
type Manager struct {
	settings *settings.Settings
	commands *commands.Generator
	executor Executor
	store    store.Store
	broker   *logbroker.Broker
	modules  *module.Loader
	logger   *slog.Logger
	tracer   trace.Tracer

	workerBin      string
	python         string
	network        string
	vsockCID       uint32
	requestTimeout time.Duration
	launchTimeout  time.Duration

	mu      sync.Mutex
	records map[string]*record
	// installed caches package listings per environment and manager name.
	installed map[string]map[string][]string

	drains sync.WaitGroup
}

// record is the registry entry of one environment. state is guarded by
// Manager.mu. client is written under both Manager.mu and launchMu, so
// holding either is enough to read it.
type record struct {
	name  string
	state string
	// client is set while the environment is launched.
	client *Client

	// launchMu serializes Launch and Exit of this environment.
	launchMu sync.Mutex
}

// New creates a manager.
func New(opts Options) (*Manager, error) {
	if opts.Settings == nil {
		return nil, errors.New("manager: settings are required")
	}
	if opts.Store == nil {
		return nil, errors.New("manager: store is required")
	}

	m := &Manager{
		settings:       opts.Settings,
		commands:       commands.New(opts.Settings),
		executor:       opts.Executor,
		store:          opts.Store,
		broker:         opts.Broker,
		modules:        opts.Modules,
		logger:         opts.Logger,
		tracer:         otel.Tracer(telemetry.TracerName),
		workerBin:      opts.WorkerBin,
		python:         opts.PythonVersion,
		network:        opts.Network,
		vsockCID:       opts.VsockCID,
		requestTimeout: opts.RequestTimeout,
		launchTimeout:  opts.LaunchTimeout,
		records:        make(map[string]*record),
		installed:      make(map[string]map[string][]string),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.executor == nil {
		m.executor = shell.NewExecutor(m.logger)
	}
	if m.broker == nil {
		m.broker = logbroker.New()
	}
	if m.modules == nil {
		m.modules = module.NewLoader(module.Default)
	}
	if m.workerBin == "" {
		m.workerBin = DefaultWorkerBin
	}
	if m.python == "" {
		m.python = DefaultPythonVersion
	}
	if m.network == "" {
		m.network = transport.NetworkTCP
	}
	if m.launchTimeout <= 0 {
		m.launchTimeout = DefaultLaunchTimeout
	}
	return m, nil
}

// Settings returns the micromamba settings the manager was created with.
func (m *Manager) Settings() *settings.Settings {
	return m.settings
}

// Broker returns the broker worker output is published to.
func (m *Manager) Broker() *logbroker.Broker {
	return m.broker
}

// Store returns the manager's persistence layer.
func (m *Manager) Store() store.Store {
	return m.store
}

// Modules returns the loader used to import modules.
func (m *Manager) Modules() *module.Loader {
	return m.modules
}

// EnvironmentExists reports whether the named environment is installed on
// disk.
func (m *Manager) EnvironmentExists(name string) bool {
	return m.settings.EnvironmentExists(name)
}

// IsLaunched reports whether the named environment has a live worker. It does
// not wait for a launch in progress.
func (m *Manager) IsLaunched(name string) bool {
	m.mu.Lock()
	var client *Client
	if rec, ok := m.records[name]; ok {
		client = rec.client
	}
	m.mu.Unlock()

	return client != nil && client.Launched()
}

// Environments returns a snapshot of the registered environments ordered by
// name.
func (m *Manager) Environments() []model.Environment {
	m.mu.Lock()
	defer m.mu.Unlock()

	envs := make([]model.Environment, 0, len(m.records))
	for _, rec := range m.records {
		e := model.Environment{Name: rec.name, State: rec.state}
		if c := rec.client; c != nil && rec.state == model.StateLaunched {
			e.Port = int(c.endpoint.Port)
			e.LaunchID = c.launchID
		}
		envs = append(envs, e)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })
	return envs
}

// Exit stops the named environment's worker and drops its record. Unknown
// names are ignored.
func (m *Manager) Exit(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	rec.launchMu.Lock()
	client := rec.client
	rec.launchMu.Unlock()

	if client != nil {
		return client.Exit(ctx)
	}

	rec.launchMu.Lock()
	defer rec.launchMu.Unlock()
	if !m.registered(rec) {
		return nil
	}
	return m.release(ctx, rec, "")
}

// Shutdown exits every environment and waits for their output to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.Exit(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("exit %s: %w", name, err))
		}
	}
	m.drains.Wait()
	return errors.Join(errs...)
}

// register returns the record for name, registering it in the state observed
// on disk when it is new.
func (m *Manager) register(ctx context.Context, name string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[name]; ok {
		return rec, nil
	}

	state := model.StateNotInstalled
	if m.settings.EnvironmentExists(name) {
		state = model.StateInstalled
	}
	if err := m.store.PutEnvironment(context.WithoutCancel(ctx), &model.Environment{Name: name, State: state}); err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}

	rec := &record{name: name, state: state}
	m.records[name] = rec
	m.logger.Debug("environment registered", "environment", name, "state", state)
	return rec, nil
}

// registered reports whether rec is still the registry entry for its name.
func (m *Manager) registered(rec *record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[rec.name] == rec
}

// transition moves rec to state to and persists the change.
func (m *Manager) transition(ctx context.Context, rec *record, to string, tr store.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := rec.state
	if from == to {
		return nil
	}
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%s: %w: %s -> %s", rec.name, store.ErrInvalidTransition, from, to)
	}
	if err := m.store.TransitionEnvironment(context.WithoutCancel(ctx), rec.name, to, tr); err != nil {
		return fmt.Errorf("persist %s state: %w", rec.name, err)
	}
	rec.state = to
	m.logger.Info("environment state changed", "environment", rec.name, "from", from, "to", to)
	return nil
}

// markInstalled records that name now exists on disk and drops its cached
// package listings.
func (m *Manager) markInstalled(ctx context.Context, name string) error {
	m.clearInstalled(name)

	rec, err := m.register(ctx, name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.state != model.StateNotInstalled {
		return nil
	}
	if err := m.store.TransitionEnvironment(context.WithoutCancel(ctx), name, model.StateInstalled, store.Transition{Detail: "installed"}); err != nil {
		return fmt.Errorf("persist %s state: %w", name, err)
	}
	rec.state = model.StateInstalled
	m.logger.Info("environment state changed", "environment", name, "from", model.StateNotInstalled, "to", model.StateInstalled)
	return nil
}

// release moves rec to exited and removes it from the registry. The caller
// holds rec.launchMu.
func (m *Manager) release(ctx context.Context, rec *record, detail string) error {
	m.mu.Lock()
	canExit := model.ValidTransition(rec.state, model.StateExited)
	m.mu.Unlock()

	var err error
	if canExit {
		err = m.transition(ctx, rec, model.StateExited, store.Transition{Detail: detail})
	}

	m.mu.Lock()
	if m.records[rec.name] == rec {
		delete(m.records, rec.name)
	}
	rec.client = nil
	m.mu.Unlock()

	return err
}

func (m *Manager) clearInstalled(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.installed, name)
}

// startSpan starts a span for an operation on environment name.
func (m *Manager) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "environment."+op, trace.WithAttributes(attribute.String("tarn.environment", name)))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
