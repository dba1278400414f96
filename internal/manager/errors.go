package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned by Create when the environment exists and
	// the caller asked for an error in that case.
	ErrAlreadyExists = errors.New("environment already exists")
	// ErrNotLaunched is returned when calling into an environment whose
	// worker has exited.
	ErrNotLaunched = errors.New("environment is not launched")
	// ErrNotInstalled is returned when running commands in an environment
	// that does not exist on disk.
	ErrNotInstalled = errors.New("environment is not installed")
)

// LaunchError reports a worker that never became ready.
type LaunchError struct {
	Environment string
	// Status is the worker's exit status, or -1 when it was killed.
	Status int
	// Output holds the last lines the worker printed before failing.
	Output []string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch %s: %v", e.Environment, e.Err)
	}
	return fmt.Sprintf("launch %s: worker exited with status %d before listening", e.Environment, e.Status)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
