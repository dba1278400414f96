package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/module"
	"github.com/seantiz/tarn/internal/settings"
	"github.com/seantiz/tarn/internal/shell"
	"github.com/seantiz/tarn/internal/store"
	"github.com/seantiz/tarn/internal/transport"
	"github.com/seantiz/tarn/internal/worker"
)

// helperEnv switches the test binary into a worker process. Its value picks
// the behaviour: "serve", "fail" or "hang".
const helperEnv = "TARN_TEST_WORKER"

func init() {
	module.Register(module.New("calc.py").
		Define("sum", func(_ context.Context, call *module.Call) (any, error) {
			var a, b int
			if err := call.Arg(0, &a); err != nil {
				return nil, err
			}
			if err := call.Arg(1, &b); err != nil {
				return nil, err
			}
			return a + b, nil
		}).
		Define("fail", func(context.Context, *module.Call) (any, error) {
			return nil, errors.New("value out of range")
		}).
		Define("sleep", func(ctx context.Context, call *module.Call) (any, error) {
			var ms int
			if err := call.Arg(0, &ms); err != nil {
				return nil, err
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return ms, nil
		}).
		Import("join", func(_ context.Context, call *module.Call) (any, error) {
			return "imported", nil
		}))
}

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelperWorker(mode))
	}
	os.Exit(m.Run())
}

func runHelperWorker(mode string) int {
	switch mode {
	case "fail":
		fmt.Println("boom: cannot import calc")
		return 3
	case "hang":
		fmt.Println("still resolving packages")
		time.Sleep(time.Hour)
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	l, port, err := transport.Listen(transport.NetworkTCP, 0)
	if err != nil {
		logger.Error("listen", "error", err)
		return 1
	}
	if err := worker.Announce(os.Stdout, port); err != nil {
		return 1
	}
	w := worker.New(l, module.NewLoader(module.Default), os.Getenv(worker.TokenEnv), logger)
	if err := w.Serve(context.Background()); err != nil {
		logger.Error("serve", "error", err)
		return 1
	}
	return 0
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeExecutor runs launch scripts for real and records install scripts
// instead of running them.
type fakeExecutor struct {
	*shell.Executor

	mu   sync.Mutex
	runs [][]string
	// outputs maps a substring of a script's last line to its output.
	outputs map[string][]string
	err     error
	onRun   func(script []string)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{Executor: shell.NewExecutor(testLogger), outputs: make(map[string][]string)}
}

func (f *fakeExecutor) Run(_ context.Context, script []string, _ shell.Options) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runs = append(f.runs, script)
	if f.onRun != nil {
		f.onRun(script)
	}
	if f.err != nil {
		return nil, f.err
	}
	last := script[len(script)-1]
	for key, out := range f.outputs {
		if strings.Contains(last, key) {
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeExecutor) Runs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.runs...)
}

type testManager struct {
	*Manager
	exec  *fakeExecutor
	store *store.SQLiteStore
	root  string
}

func newTestManager(t *testing.T, mutate ...func(*Options)) *testManager {
	t.Helper()

	root := t.TempDir()
	s, err := settings.New(root, testLogger)
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	exec := newFakeExecutor()
	opts := Options{
		Settings:      s,
		Store:         st,
		Executor:      exec,
		Logger:        testLogger,
		LaunchTimeout: 30 * time.Second,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Shutdown(context.Background())
		st.Close()
	})
	return &testManager{Manager: m, exec: exec, store: st, root: root}
}

// makeEnvironment creates the on-disk marker of an installed environment.
func (tm *testManager) makeEnvironment(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(tm.root, "envs", name, "conda-meta"), 0o755))
}

// workerOptions launches the test binary as the worker.
func workerOptions(t *testing.T, mode string) environment.LaunchOptions {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return environment.LaunchOptions{
		CustomCommand:  fmt.Sprintf(`exec "%s"`, exe),
		Env:            []string{helperEnv + "=" + mode},
		SkipActivation: true,
		Quiet:          true,
	}
}
