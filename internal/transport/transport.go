// Package transport opens the local channel between a controller and its
// workers: loopback TCP by default, or AF_VSOCK when the worker runs inside a
// guest VM on the same host.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mdlayher/vsock"
)

// Supported networks.
const (
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// vsockPortAny asks the kernel for an unused vsock port.
const vsockPortAny = ^uint32(0)

// loopbackHost is the only interface TCP workers bind to.
const loopbackHost = "127.0.0.1"

// Endpoint addresses a listening worker.
type Endpoint struct {
	Network string
	// CID is the vsock context ID of the worker. Ignored for TCP.
	CID  uint32
	Port uint32
}

func (e Endpoint) String() string {
	if e.Network == NetworkVsock {
		return fmt.Sprintf("vsock://%d:%d", e.CID, e.Port)
	}
	return "tcp://" + net.JoinHostPort(loopbackHost, strconv.FormatUint(uint64(e.Port), 10))
}

// Listen opens a listener for a worker. Port 0 selects an ephemeral port; the
// chosen port is returned alongside the listener.
func Listen(network string, port uint32) (net.Listener, uint32, error) {
	switch network {
	case NetworkTCP, "":
		l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, strconv.FormatUint(uint64(port), 10)))
		if err != nil {
			return nil, 0, fmt.Errorf("listen tcp: %w", err)
		}
		return l, uint32(l.Addr().(*net.TCPAddr).Port), nil
	case NetworkVsock:
		if port == 0 {
			port = vsockPortAny
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("listen vsock: %w", err)
		}
		addr, ok := l.Addr().(*vsock.Addr)
		if !ok {
			l.Close()
			return nil, 0, fmt.Errorf("listen vsock: unexpected address type %T", l.Addr())
		}
		return l, addr.Port, nil
	default:
		return nil, 0, fmt.Errorf("unsupported network %q", network)
	}
}

// Dial connects to a worker endpoint, retrying with exponential backoff while
// the worker finishes binding its listener.
func Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	switch ep.Network {
	case NetworkTCP, NetworkVsock, "":
	default:
		return nil, fmt.Errorf("dial: unsupported network %q", ep.Network)
	}

	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", ep, ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, ep)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial %s: %w", ep, ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		return conn, nil
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", ep, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, ep Endpoint) (net.Conn, error) {
	switch ep.Network {
	case NetworkTCP, "":
		dialer := net.Dialer{}
		addr := net.JoinHostPort(loopbackHost, strconv.FormatUint(uint64(ep.Port), 10))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", addr, err)
		}
		return conn, nil
	case NetworkVsock:
		conn, err := vsock.Dial(ep.CID, ep.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to vsock %d:%d: %w", ep.CID, ep.Port, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", ep.Network)
	}
}
