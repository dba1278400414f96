package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/shell"
	"github.com/seantiz/tarn/internal/store"
	"github.com/seantiz/tarn/internal/transport"
	"github.com/seantiz/tarn/internal/worker"
)

// launchOutputLines is how many lines of launch output a LaunchError keeps.
const launchOutputLines = 20

// Launch starts the worker of environment name and returns a client bound to
// it. Launching an environment whose worker is alive returns the existing
// client.
func (m *Manager) Launch(ctx context.Context, name string, opts environment.LaunchOptions) (client *Client, err error) {
	ctx, span := m.startSpan(ctx, "launch", name)
	defer func() { endSpan(span, err) }()

	for {
		rec, err := m.register(ctx, name)
		if err != nil {
			return nil, err
		}

		rec.launchMu.Lock()
		if !m.registered(rec) {
			// Exited while we waited for the lock.
			rec.launchMu.Unlock()
			continue
		}

		if c := rec.client; c != nil {
			if c.Launched() {
				rec.launchMu.Unlock()
				return c, nil
			}
			rec.launchMu.Unlock()
			m.logger.Warn("worker died, relaunching", "environment", name, "launch_id", c.launchID)
			if err := c.Exit(ctx); err != nil {
				m.logger.Warn("exit dead worker", "environment", name, "error", err)
			}
			continue
		}

		client, err = m.launch(ctx, rec, opts)
		rec.launchMu.Unlock()
		return client, err
	}
}

// launch runs the handshake for rec. The caller holds rec.launchMu.
func (m *Manager) launch(ctx context.Context, rec *record, opts environment.LaunchOptions) (*Client, error) {
	start := time.Now()

	m.mu.Lock()
	previous := rec.state
	m.mu.Unlock()

	if err := m.transition(ctx, rec, model.StateLaunching, store.Transition{}); err != nil {
		return nil, err
	}

	fail := func(err error) (*Client, error) {
		launchesTotal.WithLabelValues(outcomeFailure).Inc()
		if terr := m.transition(ctx, rec, previous, store.Transition{Error: err.Error()}); terr != nil {
			m.logger.Error("revert failed launch", "environment", rec.name, "error", terr)
		}
		m.broker.Close(rec.name)
		return nil, err
	}

	script, err := m.launchScript(rec.name, opts)
	if err != nil {
		return fail(err)
	}

	token, err := worker.NewToken()
	if err != nil {
		return fail(err)
	}

	launchID := model.NewID()
	m.broker.Open(rec.name)
	sink := &outputSink{manager: m, environment: rec.name, launchID: launchID, quiet: opts.Quiet}

	env := append(m.settings.ProxyEnv(), opts.Env...)
	env = append(env, worker.TokenEnv+"="+token)
	proc, err := m.executor.Start(ctx, script, shell.Options{Env: env, FailFast: true})
	if err != nil {
		return fail(fmt.Errorf("launch %s: %w", rec.name, err))
	}

	m.logger.Info("waiting for worker", "environment", rec.name, "launch_id", launchID, "pid", proc.Pid())
	port, err := m.awaitReady(ctx, rec.name, proc, sink)
	if err != nil {
		proc.Close()
		return fail(err)
	}

	endpoint := transport.Endpoint{Network: m.network, CID: m.vsockCID, Port: port}
	conn, err := dialWorker(ctx, endpoint, token)
	if err != nil {
		if kerr := proc.Kill(); kerr != nil {
			m.logger.Warn("kill unreachable worker", "environment", rec.name, "error", kerr)
		}
		proc.Wait()
		proc.Close()
		return fail(&LaunchError{Environment: rec.name, Status: -1, Err: err})
	}

	c := &Client{
		manager:        m,
		record:         rec,
		name:           rec.name,
		endpoint:       endpoint,
		launchID:       launchID,
		token:          token,
		process:        proc,
		logger:         m.logger.With("environment", rec.name, "launch_id", launchID),
		requestTimeout: m.requestTimeout,
		sem:            make(chan struct{}, 1),
		conn:           conn,
		drained:        make(chan struct{}),
	}

	m.drains.Go(func() { c.drain(sink) })

	if err := m.transition(ctx, rec, model.StateLaunched, store.Transition{Port: int(port), LaunchID: launchID}); err != nil {
		c.exiting.Store(true)
		c.breakConn()
		c.terminate()
		return fail(err)
	}
	m.mu.Lock()
	rec.client = c
	m.mu.Unlock()

	launchesTotal.WithLabelValues(outcomeSuccess).Inc()
	launchDuration.Observe(time.Since(start).Seconds())
	activeWorkers.Inc()
	m.logger.Info("worker launched", "environment", rec.name, "endpoint", endpoint.String(),
		"launch_id", launchID, "duration_ms", time.Since(start).Milliseconds())
	return c, nil
}

// launchScript builds the instructions that start the worker.
func (m *Manager) launchScript(name string, opts environment.LaunchOptions) ([]string, error) {
	var script []string
	if !opts.SkipActivation {
		activate, err := m.commands.ActivateEnvironment(name, nil)
		if err != nil {
			return nil, err
		}
		script = activate
	}
	script = append(script, opts.ActivateHooks.Current()...)

	entry := opts.CustomCommand
	if entry == "" {
		entry = fmt.Sprintf(`"%s" %s`, m.workerBin, name)
		if m.network != transport.NetworkTCP {
			entry += " --network " + m.network
		}
		// The worker replaces the shell so its status is the script's.
		if !m.settings.Windows() {
			entry = "exec " + entry
		}
	}
	return append(script, entry), nil
}

// awaitReady reads launch output until the worker announces its port. It
// fails when the worker exits first, ctx ends, or the launch timeout
// elapses; in the latter two cases the worker is killed.
func (m *Manager) awaitReady(ctx context.Context, name string, proc *shell.Process, sink *outputSink) (uint32, error) {
	type result struct {
		port   uint32
		output []string
		err    error
	}
	ready := make(chan result, 1)

	go func() {
		var output []string
		for {
			line, err := proc.ReadLine()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					ready <- result{output: output, err: err}
					return
				}
				ready <- result{output: output, err: io.EOF}
				return
			}
			if port, ok := worker.ParseReady(line); ok {
				ready <- result{port: port}
				return
			}
			sink.write(line)
			output = append(output, line)
			if len(output) > launchOutputLines {
				output = output[1:]
			}
		}
	}()

	timer := time.NewTimer(m.launchTimeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-ready:
		if r.err == nil {
			return r.port, nil
		}
		status := proc.Wait()
		lerr := &LaunchError{Environment: name, Status: status, Output: r.output}
		if !errors.Is(r.err, io.EOF) {
			lerr.Err = r.err
		}
		return 0, lerr
	case <-timer.C:
		cause = fmt.Errorf("worker not ready after %s: %w", m.launchTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if err := proc.Kill(); err != nil {
		m.logger.Warn("kill worker", "environment", name, "error", err)
	}
	var r result
	select {
	case r = <-ready:
	case <-time.After(killGrace):
		// A descendant outside the process group still holds the pipe.
		proc.Close()
		r = <-ready
	}
	proc.Wait()
	return 0, &LaunchError{Environment: name, Status: -1, Output: r.output, Err: cause}
}

// outputSink receives every line a worker prints during one launch.
type outputSink struct {
	manager     *Manager
	environment string
	launchID    string
	quiet       bool
	seq         int
}

// write logs, publishes and persists one line. It is used by one goroutine
// at a time.
func (s *outputSink) write(line string) {
	if !s.quiet {
		s.manager.logger.Info(line, "environment", s.environment)
	}
	s.manager.broker.Publish(s.environment, line)
	if err := s.manager.store.InsertLogLine(context.Background(), s.environment, s.launchID, s.seq, line); err != nil {
		s.manager.logger.Error("persist worker output", "environment", s.environment, "seq", s.seq, "error", err)
	}
	s.seq++
}
