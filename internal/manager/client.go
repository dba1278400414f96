package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/tarn/internal/commands"
	"github.com/seantiz/tarn/internal/depspec"
	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/protocol"
	"github.com/seantiz/tarn/internal/shell"
	"github.com/seantiz/tarn/internal/transport"
)

// Grace periods used while stopping a worker.
const (
	exitAckTimeout = 2 * time.Second
	killGrace      = 5 * time.Second
)

// Client is the controller side of one launched worker. Requests from
// concurrent callers are sent one at a time over a single connection.
type Client struct {
	manager        *Manager
	record         *record
	name           string
	endpoint       transport.Endpoint
	launchID       string
	token          string
	process        *shell.Process
	logger         *slog.Logger
	requestTimeout time.Duration

	// sem guards conn and orders requests. It is a channel so Exit can give
	// up waiting for a stuck call.
	sem  chan struct{}
	conn *protocol.Conn

	drained chan struct{}
	exiting atomic.Bool

	exitOnce sync.Once
	exitErr  error
}

var _ environment.Environment = (*Client)(nil)

// Name returns the environment name.
func (c *Client) Name() string { return c.name }

// Endpoint returns the address the worker listens on.
func (c *Client) Endpoint() transport.Endpoint { return c.endpoint }

// LaunchID identifies this launch of the environment.
func (c *Client) LaunchID() string { return c.launchID }

// Launched reports whether the worker process is alive and Exit was not
// called.
func (c *Client) Launched() bool {
	return !c.exiting.Load() && !c.process.Exited()
}

// Launch is a no-op while the worker is alive and relaunches it otherwise.
func (c *Client) Launch(ctx context.Context, opts environment.LaunchOptions) error {
	if c.Launched() {
		return nil
	}
	_, err := c.manager.Launch(ctx, c.name, opts)
	return err
}

// Install adds deps to the environment. Running workers do not see the new
// packages until relaunched.
func (c *Client) Install(ctx context.Context, deps depspec.Dependencies, hooks commands.Hooks) error {
	return c.manager.InstallDependencies(ctx, c.name, deps, hooks)
}

// ExecuteCommands runs lines in the activated environment. They run in a new
// process, not in the worker.
func (c *Client) ExecuteCommands(ctx context.Context, lines []string, hooks commands.Hooks, opts shell.Options) ([]string, error) {
	return c.manager.ExecuteCommands(ctx, c.name, lines, hooks, opts)
}

// ImportModule returns a proxy whose functions execute in the worker.
func (c *Client) ImportModule(modulePath string) (*environment.Proxy, error) {
	m, err := c.manager.modules.Load(modulePath)
	if err != nil {
		return nil, err
	}
	return environment.NewProxy(modulePath, m, c.Execute), nil
}

// Execute calls function of the module at modulePath in the worker and
// waits for its result. A failure raised by the function is returned as
// *protocol.RemoteError; a broken channel as *protocol.TransportError.
//
// The call is bounded by ctx, or by the manager's request timeout when ctx
// has no deadline.
func (c *Client) Execute(ctx context.Context, modulePath, function string, args []any, kwargs map[string]any) (result protocol.Result, err error) {
	ctx, span := c.manager.tracer.Start(ctx, "environment.execute", trace.WithAttributes(
		attribute.String("tarn.environment", c.name),
		attribute.String("tarn.module", modulePath),
		attribute.String("tarn.function", function),
	))
	defer func() { endSpan(span, err) }()

	if c.exiting.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNotLaunched, c.name)
	}

	req, err := protocol.NewRequest(model.NewID(), modulePath, function, args, kwargs)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &protocol.TransportError{Op: "queue request", Err: ctx.Err()}
	}
	defer func() { <-c.sem }()

	start := time.Now()
	resp, err := c.roundTrip(ctx, req)
	callDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		callsTotal.WithLabelValues(outcomeTransport).Inc()
		c.logger.Warn("remote call failed", "module", modulePath, "function", function, "error", err)
		return nil, err
	}

	switch resp.Action {
	case protocol.ActionFinished:
		callsTotal.WithLabelValues(outcomeSuccess).Inc()
		return protocol.Result(resp.Result), nil
	case protocol.ActionError:
		callsTotal.WithLabelValues(outcomeRemote).Inc()
		return nil, &protocol.RemoteError{ModulePath: modulePath, Function: function, Exception: resp.Exception}
	default:
		callsTotal.WithLabelValues(outcomeTransport).Inc()
		c.breakConn()
		return nil, &protocol.TransportError{Op: "execute", Err: fmt.Errorf("unexpected action %q", resp.Action)}
	}
}

// roundTrip sends req and reads its response. Any failure leaves the
// connection closed; the next call dials a new one. The caller holds sem.
func (c *Client) roundTrip(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	if c.conn == nil {
		if c.process.Exited() {
			return protocol.Message{}, &protocol.TransportError{Op: "connect", Err: fmt.Errorf("worker exited with status %d", c.process.Wait())}
		}
		conn, err := dialWorker(ctx, c.endpoint, c.token)
		if err != nil {
			return protocol.Message{}, &protocol.TransportError{Op: "connect", Err: err}
		}
		c.conn = conn
	}

	conn := c.conn
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		c.breakConn()
		return protocol.Message{}, &protocol.TransportError{Op: "set deadline", Err: err}
	}
	// Unblock IO when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	fail := func(op string, err error) (protocol.Message, error) {
		c.breakConn()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return protocol.Message{}, &protocol.TransportError{Op: op, Err: err}
	}

	if err := conn.Send(req); err != nil {
		return fail("send request", err)
	}
	resp, err := conn.Receive()
	if err != nil {
		return fail("receive response", err)
	}
	if resp.ID != req.ID {
		return fail("receive response", fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID))
	}
	return resp, nil
}

// dialWorker connects to a worker and presents the launch token. ctx bounds
// both the dial and the handshake.
func dialWorker(ctx context.Context, ep transport.Endpoint, token string) (*protocol.Conn, error) {
	nc, err := transport.Dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	conn := protocol.NewConn(nc)

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	err = conn.Handshake(token)
	stop()
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("handshake with %s: %w", ep, ctxErr)
		}
		return nil, fmt.Errorf("handshake with %s: %w", ep, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return conn, nil
}

// breakConn drops the connection. The caller holds sem.
func (c *Client) breakConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Exit asks the worker to stop, kills it if it does not, and removes the
// environment from the manager. Calling Exit again returns the first result.
func (c *Client) Exit(ctx context.Context) error {
	c.exitOnce.Do(func() {
		c.exitErr = c.exit(ctx)
	})
	return c.exitErr
}

func (c *Client) exit(ctx context.Context) error {
	_, span := c.manager.startSpan(ctx, "exit", c.name)
	defer span.End()

	c.exiting.Store(true)
	c.requestExit()
	status := c.terminate()
	c.logger.Info("worker exited", "status", status)

	rec := c.record
	rec.launchMu.Lock()
	defer rec.launchMu.Unlock()

	activeWorkers.Dec()
	c.manager.broker.Close(c.name)
	if rec.client != c {
		return nil
	}
	return c.manager.release(ctx, rec, fmt.Sprintf("worker exited with status %d", status))
}

// requestExit sends the exit message and waits briefly for the
// acknowledgement. It gives up when a call is still holding the connection.
func (c *Client) requestExit() {
	select {
	case c.sem <- struct{}{}:
	case <-time.After(exitAckTimeout):
		c.logger.Warn("call in progress, not waiting for worker to exit")
		return
	}
	defer func() { <-c.sem }()

	if c.process.Exited() {
		c.breakConn()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), exitAckTimeout)
	defer cancel()

	if c.conn == nil {
		conn, err := dialWorker(ctx, c.endpoint, c.token)
		if err != nil {
			c.logger.Warn("connect to send exit", "error", err)
			return
		}
		c.conn = conn
	}
	defer c.breakConn()

	if err := c.conn.SetDeadline(time.Now().Add(exitAckTimeout)); err != nil {
		return
	}
	if err := c.conn.Send(protocol.Exit()); err != nil {
		c.logger.Warn("send exit", "error", err)
		return
	}
	resp, err := c.conn.Receive()
	if err != nil {
		c.logger.Warn("wait for exited", "error", err)
		return
	}
	if resp.Action != protocol.ActionExited {
		c.logger.Warn("unexpected reply to exit", "action", resp.Action)
	}
}

// terminate waits a moment for the worker to stop on its own, then kills its
// process group, stops the drain and reaps the process. It returns the exit
// status.
func (c *Client) terminate() int {
	select {
	case <-c.process.Done():
	case <-time.After(exitAckTimeout):
		if err := c.process.Kill(); err != nil {
			c.logger.Warn("kill worker", "error", err)
		}
	}
	// The worker's descendants may outlive it and keep the pipe open.
	if err := c.process.Kill(); err != nil {
		c.logger.Debug("kill worker process group", "error", err)
	}

	select {
	case <-c.drained:
	case <-time.After(killGrace):
		c.process.Close()
		<-c.drained
	}
	c.process.Close()
	return c.process.Wait()
}

// drain forwards the worker's output until it closes, starting after the
// readiness line.
func (c *Client) drain(sink *outputSink) {
	defer close(c.drained)

	for {
		line, err := c.process.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.exiting.Load() {
				c.logger.Warn("read worker output", "error", err)
			}
			break
		}
		sink.write(line)
	}

	if !c.exiting.Load() {
		c.logger.Warn("worker output closed unexpectedly", "status", c.process.Wait())
	}
}
