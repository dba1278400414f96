//go:build !windows

// Package e2e drives a real tarn-worker binary through the manager and the
// status API.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/tarn/internal/api"
	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/manager"
	_ "github.com/seantiz/tarn/internal/modules"
	"github.com/seantiz/tarn/internal/settings"
	"github.com/seantiz/tarn/internal/store"
)

// workerBin is the tarn-worker binary built by TestMain.
var workerBin string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	if _, err := exec.LookPath("go"); err != nil {
		fmt.Fprintln(os.Stderr, "go toolchain not found, skipping e2e tests")
		return 0
	}

	dir, err := os.MkdirTemp("", "tarn-e2e")
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkdtemp:", err)
		return 1
	}
	defer os.RemoveAll(dir)

	workerBin = filepath.Join(dir, "tarn-worker")
	build := exec.Command("go", "build", "-o", workerBin, "../../cmd/tarn-worker")
	build.Stdout, build.Stderr = os.Stderr, os.Stderr
	if err := build.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "build tarn-worker:", err)
		return 1
	}
	return m.Run()
}

// stack is a manager over a temporary root with the status API in front of
// it.
type stack struct {
	manager *manager.Manager
	store   *store.SQLiteStore
	ts      *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s, err := settings.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tarn.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	m, err := manager.New(manager.Options{
		Settings:      s,
		Store:         st,
		Logger:        logger,
		WorkerBin:     workerBin,
		LaunchTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}

	srv := api.NewServer("127.0.0.1:0", m, st, m.Broker(), logger)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		if err := m.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		st.Close()
	})
	return &stack{manager: m, store: st, ts: ts}
}

// launch starts the real worker without activating micromamba, which the
// tests do not install.
func (s *stack) launch(t *testing.T, name string) *manager.Client {
	t.Helper()
	c, err := s.manager.Launch(context.Background(), name, environment.LaunchOptions{SkipActivation: true})
	if err != nil {
		t.Fatalf("Launch %s: %v", name, err)
	}
	return c
}
