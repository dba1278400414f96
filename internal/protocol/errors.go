package protocol

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by Handshake when the worker rejects the token.
var ErrUnauthorized = errors.New("worker rejected the launch token")

// RemoteError is a failure reported by the worker in an error response. The
// worker is still alive and further calls may succeed.
type RemoteError struct {
	ModulePath string
	Function   string
	Exception  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote call %s.%s failed: %s", e.ModulePath, e.Function, e.Exception)
}

// TransportError means the channel to the worker broke mid-request, so the
// worker is gone or unusable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
