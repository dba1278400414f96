package store

import (
	"context"
	"errors"

	"github.com/seantiz/tarn/internal/model"
)

// ErrInvalidTransition is returned when an environment state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// Transition carries the fields that change alongside an environment's state.
type Transition struct {
	// Port and LaunchID are recorded when entering launched and cleared when
	// leaving it.
	Port     int
	LaunchID string
	Error    string
	// Detail is stored on the lifecycle event.
	Detail string
}

// Store defines the persistence operations for environments, their lifecycle
// events and the output drained from their workers.
type Store interface {
	// PutEnvironment registers e, replacing any record left under the same
	// name by an earlier run.
	PutEnvironment(ctx context.Context, e *model.Environment) error
	GetEnvironment(ctx context.Context, name string) (*model.Environment, error)
	ListEnvironments(ctx context.Context) ([]*model.Environment, error)
	TransitionEnvironment(ctx context.Context, name, to string, tr Transition) error
	ListEvents(ctx context.Context, name string) ([]model.Event, error)
	InsertLogLine(ctx context.Context, environment, launchID string, seq int, line string) error
	// GetLogLines returns the environment's lines in order, limited to one
	// launch when launchID is not empty.
	GetLogLines(ctx context.Context, environment, launchID string) ([]model.LogLine, error)
	Close() error
}
