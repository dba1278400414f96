//go:build !windows

package e2e

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/manager"
	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/modules/minimal"
	"github.com/seantiz/tarn/internal/modules/segment"
	"github.com/seantiz/tarn/internal/protocol"
)

func TestExecuteMatchesInProcess(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.launch(t, "numpy")

	direct := environment.NewDirect("", s.manager.Modules())
	for _, fn := range []string{"sum", "mean", "fsum"} {
		remote, err := c.Execute(ctx, minimal.Path, fn, []any{[]float64{1, 2, 3.5}}, nil)
		if err != nil {
			t.Fatalf("remote %s: %v", fn, err)
		}
		local, err := direct.Execute(ctx, minimal.Path, fn, []any{[]float64{1, 2, 3.5}}, nil)
		if err != nil {
			t.Fatalf("local %s: %v", fn, err)
		}
		if remote.String() != local.String() {
			t.Errorf("%s: remote = %s, local = %s", fn, remote, local)
		}
	}
}

func TestProxyCallsWorker(t *testing.T) {
	s := newStack(t)
	c := s.launch(t, "numpy")

	mod, err := c.ImportModule(minimal.Path)
	if err != nil {
		t.Fatalf("ImportModule: %v", err)
	}
	if got := strings.Join(mod.Functions(), ","); got != "mean,scale,sum" {
		t.Errorf("Functions = %s, want mean,scale,sum", got)
	}

	res, err := mod.Call(context.Background(), "scale", []any{[]float64{1, 2}}, map[string]any{"factor": 2})
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if res.String() != "[2,4]" {
		t.Errorf("scale = %s, want [2,4]", res)
	}
}

func TestMissingFunctionKeepsWorker(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.launch(t, "numpy")

	_, err := c.Execute(ctx, minimal.Path, "median", []any{[]float64{1}}, nil)
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *protocol.RemoteError", err)
	}
	if !strings.Contains(remote.Exception, "Module minimal_module.py has no function median.") {
		t.Errorf("exception = %q", remote.Exception)
	}

	if _, err := c.Execute(ctx, minimal.Path, "sum", []any{[]float64{1}}, nil); err != nil {
		t.Fatalf("call after error: %v", err)
	}
	if !c.Launched() {
		t.Error("worker exited after a failed call")
	}
}

func TestWorkerKeepsModuleState(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.launch(t, "cellpose")

	image := [][]float64{{0.9, 0.9, 0}, {0, 0, 0.8}}
	for range 3 {
		res, err := c.Execute(ctx, segment.Path, "segment", []any{image}, nil)
		if err != nil {
			t.Fatalf("segment: %v", err)
		}
		var out segment.Result
		if err := res.Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Regions != 2 {
			t.Errorf("regions = %d, want 2", out.Regions)
		}
	}

	res, err := c.Execute(ctx, segment.Path, "model_info", nil, nil)
	if err != nil {
		t.Fatalf("model_info: %v", err)
	}
	var info struct {
		Loads int `json:"loads"`
	}
	if err := res.Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Loads != 1 {
		t.Errorf("loads = %d, want 1", info.Loads)
	}
}

func TestExitStopsWorker(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.launch(t, "numpy")

	if err := c.Exit(ctx); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if err := c.Exit(ctx); err != nil {
		t.Fatalf("second Exit: %v", err)
	}
	if c.Launched() {
		t.Error("Launched after Exit")
	}

	_, err := c.Execute(ctx, minimal.Path, "sum", []any{[]float64{1}}, nil)
	if !errors.Is(err, manager.ErrNotLaunched) {
		t.Errorf("Execute after Exit = %v, want ErrNotLaunched", err)
	}

	rec, err := s.store.GetEnvironment(ctx, "numpy")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if rec.State != model.StateExited {
		t.Errorf("state = %q, want %q", rec.State, model.StateExited)
	}
}

func TestLaunchedWorkerIsReused(t *testing.T) {
	s := newStack(t)
	first := s.launch(t, "numpy")
	second := s.launch(t, "numpy")
	if first != second {
		t.Error("second Launch returned a different client")
	}
}
