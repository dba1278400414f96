package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/seantiz/tarn/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putTestEnvironment(t *testing.T, s *SQLiteStore, name, state string) {
	t.Helper()
	if err := s.PutEnvironment(context.Background(), &model.Environment{Name: name, State: state}); err != nil {
		t.Fatalf("PutEnvironment(%s): %v", name, err)
	}
}

func TestPutAndGetEnvironment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &model.Environment{Name: "cellpose", State: model.StateNotInstalled}
	if err := s.PutEnvironment(ctx, e); err != nil {
		t.Fatalf("PutEnvironment: %v", err)
	}
	if e.CreatedAt.IsZero() {
		t.Error("CreatedAt not set by PutEnvironment")
	}

	got, err := s.GetEnvironment(ctx, "cellpose")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if got.Name != "cellpose" {
		t.Errorf("Name = %q, want %q", got.Name, "cellpose")
	}
	if got.State != model.StateNotInstalled {
		t.Errorf("State = %q, want %q", got.State, model.StateNotInstalled)
	}
	if got.ExitedAt != nil {
		t.Errorf("ExitedAt = %v, want nil", got.ExitedAt)
	}
}

func TestGetEnvironmentNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetEnvironment(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEnvironment error = %v, want ErrNotFound", err)
	}
}

func TestPutEnvironmentReplacesExitedRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putTestEnvironment(t, s, "env", model.StateInstalled)
	if err := s.TransitionEnvironment(ctx, "env", model.StateExited, Transition{}); err != nil {
		t.Fatalf("installed→exited: %v", err)
	}

	putTestEnvironment(t, s, "env", model.StateInstalled)

	got, err := s.GetEnvironment(ctx, "env")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if got.State != model.StateInstalled {
		t.Errorf("State = %q, want %q", got.State, model.StateInstalled)
	}
	if got.ExitedAt != nil {
		t.Error("ExitedAt should be cleared when the record is replaced")
	}
}

func TestListEnvironments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	envs, err := s.ListEnvironments(ctx)
	if err != nil {
		t.Fatalf("ListEnvironments: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("len(envs) = %d, want 0", len(envs))
	}

	for _, name := range []string{"zeta", "alpha", "mid"} {
		putTestEnvironment(t, s, name, model.StateInstalled)
	}

	envs, err = s.ListEnvironments(ctx)
	if err != nil {
		t.Fatalf("ListEnvironments: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(envs) != len(want) {
		t.Fatalf("len(envs) = %d, want %d", len(envs), len(want))
	}
	for i, e := range envs {
		if e.Name != want[i] {
			t.Errorf("envs[%d].Name = %q, want %q", i, e.Name, want[i])
		}
	}
}

func TestTransitionValidLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putTestEnvironment(t, s, "env", model.StateNotInstalled)

	// not_installed → launching
	if err := s.TransitionEnvironment(ctx, "env", model.StateLaunching, Transition{}); err != nil {
		t.Fatalf("not_installed→launching: %v", err)
	}

	// launching → launched
	launchID := model.NewID()
	if err := s.TransitionEnvironment(ctx, "env", model.StateLaunched, Transition{Port: 41000, LaunchID: launchID}); err != nil {
		t.Fatalf("launching→launched: %v", err)
	}
	got, _ := s.GetEnvironment(ctx, "env")
	if got.Port != 41000 {
		t.Errorf("Port = %d, want 41000", got.Port)
	}
	if got.LaunchID != launchID {
		t.Errorf("LaunchID = %q, want %q", got.LaunchID, launchID)
	}

	// launched → exited
	if err := s.TransitionEnvironment(ctx, "env", model.StateExited, Transition{Detail: "exit requested"}); err != nil {
		t.Fatalf("launched→exited: %v", err)
	}
	got, _ = s.GetEnvironment(ctx, "env")
	if got.State != model.StateExited {
		t.Errorf("State = %q, want %q", got.State, model.StateExited)
	}
	if got.Port != 0 {
		t.Errorf("Port = %d, want 0 after exit", got.Port)
	}
	if got.ExitedAt == nil {
		t.Error("ExitedAt is nil, expected it to be set on exit")
	}

	events, err := s.ListEvents(ctx, "env")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	wantTo := []string{model.StateNotInstalled, model.StateLaunching, model.StateLaunched, model.StateExited}
	if len(events) != len(wantTo) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(wantTo))
	}
	for i, ev := range events {
		if ev.To != wantTo[i] {
			t.Errorf("events[%d].To = %q, want %q", i, ev.To, wantTo[i])
		}
	}
	if events[0].From != "" {
		t.Errorf("events[0].From = %q, want empty", events[0].From)
	}
	if events[3].Detail != "exit requested" {
		t.Errorf("events[3].Detail = %q, want %q", events[3].Detail, "exit requested")
	}
}

func TestTransitionLaunchFailureRecordsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putTestEnvironment(t, s, "env", model.StateInstalled)

	if err := s.TransitionEnvironment(ctx, "env", model.StateLaunching, Transition{}); err != nil {
		t.Fatalf("installed→launching: %v", err)
	}
	if err := s.TransitionEnvironment(ctx, "env", model.StateInstalled, Transition{Error: "worker exited with status 1"}); err != nil {
		t.Fatalf("launching→installed: %v", err)
	}

	got, _ := s.GetEnvironment(ctx, "env")
	if got.Error != "worker exited with status 1" {
		t.Errorf("Error = %q, want launch failure", got.Error)
	}
	events, _ := s.ListEvents(ctx, "env")
	if last := events[len(events)-1]; last.Detail != "worker exited with status 1" {
		t.Errorf("last event Detail = %q, want the error", last.Detail)
	}
}

func TestTransitionInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"installed→launched", model.StateInstalled, model.StateLaunched},
		{"not_installed→exited", model.StateNotInstalled, model.StateExited},
		{"launched→launching", model.StateLaunched, model.StateLaunching},
		{"exited→launching", model.StateExited, model.StateLaunching},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			name := fmt.Sprintf("env-%d", i)
			putTestEnvironment(t, s, name, tc.from)

			err := s.TransitionEnvironment(ctx, name, tc.to, Transition{})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}

			got, _ := s.GetEnvironment(ctx, name)
			if got.State != tc.from {
				t.Errorf("State = %q, want unchanged %q", got.State, tc.from)
			}
		})
	}
}

func TestTransitionNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.TransitionEnvironment(context.Background(), "nonexistent", model.StateInstalled, Transition{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("TransitionEnvironment error = %v, want ErrNotFound", err)
	}
}

func TestInsertAndGetLogLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	launchID := model.NewID()

	for i := 0; i < 3; i++ {
		if err := s.InsertLogLine(ctx, "env", launchID, i, fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("InsertLogLine[%d]: %v", i, err)
		}
	}

	lines, err := s.GetLogLines(ctx, "env", launchID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}

	for i, l := range lines {
		if l.Seq != i {
			t.Errorf("lines[%d].Seq = %d, want %d", i, l.Seq, i)
		}
		want := fmt.Sprintf("line %d", i)
		if l.Line != want {
			t.Errorf("lines[%d].Line = %q, want %q", i, l.Line, want)
		}
		if l.Environment != "env" || l.LaunchID != launchID {
			t.Errorf("lines[%d] = (%q, %q), want (env, %q)", i, l.Environment, l.LaunchID, launchID)
		}
		if l.ID == 0 {
			t.Errorf("lines[%d].ID = 0, expected non-zero auto-increment ID", i)
		}
	}
}

func TestGetLogLinesByLaunch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first, second := model.NewID(), model.NewID()

	if err := s.InsertLogLine(ctx, "env", first, 0, "first launch"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}
	if err := s.InsertLogLine(ctx, "env", second, 0, "second launch"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}
	if err := s.InsertLogLine(ctx, "other", second, 0, "other env"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}

	all, err := s.GetLogLines(ctx, "env", "")
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if all[0].Line != "first launch" || all[1].Line != "second launch" {
		t.Errorf("all = %q, %q; want insertion order", all[0].Line, all[1].Line)
	}

	only, err := s.GetLogLines(ctx, "env", second)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(only) != 1 || only[0].Line != "second launch" {
		t.Errorf("lines for second launch = %+v", only)
	}
}

func TestGetLogLinesEmpty(t *testing.T) {
	s := newTestStore(t)

	lines, err := s.GetLogLines(context.Background(), "env", "")
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if lines == nil {
		t.Error("lines is nil, expected empty slice")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tarn.db")

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	putTestEnvironment(t, s1, "env", model.StateInstalled)
	s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetEnvironment(context.Background(), "env")
	if err != nil {
		t.Fatalf("GetEnvironment after reopen: %v", err)
	}
	if got.State != model.StateInstalled {
		t.Errorf("State = %q, want %q", got.State, model.StateInstalled)
	}
}
