// Package shell runs instruction lists as a single script subprocess with
// fail-fast error checks and streamed, combined output capture.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Scanner buffer sizes. Package managers print long progress lines.
const (
	initialLineBuffer = 64 << 10
	maxLineSize       = 4 << 20
)

// Options control one script invocation.
type Options struct {
	// Env holds KEY=VALUE pairs appended to the current environment.
	Env []string
	// FailFast stops the script at the first failing instruction.
	FailFast bool
	// Quiet suppresses logging of captured lines.
	Quiet bool
	// Dir is the working directory. Empty means the current directory.
	Dir string
}

// Executor starts instruction scripts. It is safe for concurrent use.
type Executor struct {
	logger  *slog.Logger
	dialect dialect
}

// NewExecutor creates an executor that logs captured output to logger.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, dialect: currentDialect()}
}

// Start runs commands in a new process and returns immediately. The caller
// must read the output with ReadLine and eventually Wait or Kill.
// The context only bounds process creation.
func (e *Executor) Start(ctx context.Context, commands []string, opts Options) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start commands: %w", err)
	}

	e.logger.Debug("execute commands", "commands", commands)

	script, err := writeScript(e.dialect, commands, opts.FailFast)
	if err != nil {
		return nil, err
	}

	program, args := e.dialect.argv(script)
	cmd := exec.Command(program, args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	setProcessGroup(cmd)

	// stdout and stderr share one pipe so lines keep their relative order.
	r, w, err := os.Pipe()
	if err != nil {
		os.Remove(script)
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		os.Remove(script)
		return nil, fmt.Errorf("start %s: %w", program, err)
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	w.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineSize)

	p := &Process{
		cmd:      cmd,
		commands: commands,
		script:   script,
		output:   r,
		scanner:  scanner,
		done:     make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// Run executes commands to completion and returns the trimmed output lines.
// A non-zero status yields *CommandError and the fatal marker yields
// *FatalMarkerError. Cancelling ctx kills the process tree.
func (e *Executor) Run(ctx context.Context, commands []string, opts Options) ([]string, error) {
	start := time.Now()

	p, err := e.Start(ctx, commands, opts)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	stop := context.AfterFunc(ctx, func() {
		if err := p.Kill(); err != nil {
			e.logger.Warn("kill cancelled script", "error", err)
		}
	})
	defer stop()

	var lines []string
	var fatalLine string
	for {
		line, err := p.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Warn("read script output", "error", err)
			}
			break
		}
		if !opts.Quiet {
			e.logger.Info(line)
		}
		if strings.Contains(line, FatalMarker) {
			fatalLine = line
			if err := p.Kill(); err != nil {
				e.logger.Warn("kill script after fatal marker", "error", err)
			}
			break
		}
		lines = append(lines, line)
	}

	status := p.Wait()
	commandDuration.Observe(time.Since(start).Seconds())

	switch {
	case fatalLine != "":
		commandsTotal.WithLabelValues(outcomeFatal).Inc()
		return lines, &FatalMarkerError{Commands: commands, Line: fatalLine}
	case ctx.Err() != nil:
		commandsTotal.WithLabelValues(outcomeFailure).Inc()
		return lines, fmt.Errorf("run commands: %w", ctx.Err())
	case status != 0:
		commandsTotal.WithLabelValues(outcomeFailure).Inc()
		return lines, &CommandError{Commands: commands, Status: status}
	}

	commandsTotal.WithLabelValues(outcomeSuccess).Inc()
	return lines, nil
}

// Process is a running script started by Executor.Start.
type Process struct {
	cmd      *exec.Cmd
	commands []string
	script   string
	output   *os.File
	scanner  *bufio.Scanner

	readMu sync.Mutex

	done   chan struct{}
	status int

	groupGone atomic.Bool

	closeOnce sync.Once
}

func (p *Process) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	os.Remove(p.script)

	p.status = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.status = exitErr.ExitCode()
		} else {
			p.status = -1
		}
	}
}

// ReadLine returns the next output line with surrounding whitespace removed.
// It returns io.EOF once the process and its children closed their output.
func (p *Process) ReadLine() (string, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", fmt.Errorf("scan output: %w", err)
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

// Pid returns the process id of the script interpreter.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Commands returns the instruction list the process was started with.
func (p *Process) Commands() []string {
	return p.commands
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and returns its status. A process
// killed by a signal reports -1.
func (p *Process) Wait() int {
	<-p.done
	return p.status
}

// Kill terminates the process and its descendants. Descendants that outlive
// the process are killed too; once the group is known to be empty Kill is a
// no-op.
func (p *Process) Kill() error {
	if p.groupGone.Load() {
		return nil
	}
	err := killProcessGroup(p.cmd, p.Exited())
	if errors.Is(err, errGroupGone) {
		p.groupGone.Store(true)
		return nil
	}
	if err != nil {
		return fmt.Errorf("kill process %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// Close releases the read end of the output pipe.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.output.Close()
	})
	return err
}
