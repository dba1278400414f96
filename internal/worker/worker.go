// Package worker implements the process that hosts modules for one
// environment. It accepts one controller connection at a time and runs
// execute requests under a lock so only one function body runs at once.
package worker

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/tarn/internal/module"
	"github.com/seantiz/tarn/internal/protocol"
)

// TokenEnv is the environment variable carrying the launch token to the
// worker.
const TokenEnv = "TARN_WORKER_TOKEN"

// helloTimeout bounds how long a new connection may take to authenticate.
// Connections are served one at a time, so a silent peer must not hold the
// worker.
const helloTimeout = 10 * time.Second

var readyPattern = regexp.MustCompile(`^Listening port (\d+)$`)

// NewToken returns a random launch token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Announce prints the readiness line the controller waits for.
func Announce(w io.Writer, port uint32) error {
	_, err := fmt.Fprintf(w, "Listening port %d\n", port)
	return err
}

// ParseReady extracts the port from a readiness line.
func ParseReady(line string) (uint32, bool) {
	m := readyPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	port, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(port), true
}

// Worker serves the execution protocol on a listener.
type Worker struct {
	listener net.Listener
	loader   *module.Loader
	token    string
	logger   *slog.Logger

	// execMu serializes function bodies.
	execMu sync.Mutex
	calls  sync.WaitGroup
}

// New creates a worker resolving modules through loader. Every connection
// must open with a hello carrying token; an empty token rejects all of them.
func New(listener net.Listener, loader *module.Loader, token string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		listener: listener,
		loader:   loader,
		token:    token,
		logger:   logger,
	}
}

// Serve accepts connections one after another until a controller sends the
// exit message, ctx is cancelled or the listener fails. An exit request makes
// Serve return nil.
func (w *Worker) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { w.listener.Close() })
	defer stop()

	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}

		if w.handleConnection(ctx, conn) {
			w.listener.Close()
			return nil
		}
	}
}

// Wait blocks until every dispatched call has finished.
func (w *Worker) Wait() {
	w.calls.Wait()
}

// handleConnection serves requests on conn until the peer disconnects. It
// reports whether the peer asked the worker to exit.
func (w *Worker) handleConnection(ctx context.Context, c net.Conn) bool {
	conn := protocol.NewConn(c)
	defer conn.Close()

	if !w.authenticate(conn) {
		return false
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				w.logger.Warn("read request", "remote", conn.RemoteAddr(), "error", err)
			}
			return false
		}

		switch msg.Action {
		case protocol.ActionExit:
			if err := conn.Send(protocol.Exited()); err != nil {
				w.logger.Warn("write exited", "error", err)
			}
			w.logger.Info("exit requested")
			return true
		case protocol.ActionExecute:
			w.calls.Go(func() {
				resp := w.execute(ctx, msg)
				if err := conn.Send(resp); err != nil {
					w.logger.Error("write response", "id", msg.ID, "error", err)
				}
			})
		default:
			if err := conn.Send(protocol.Failure(msg.ID, fmt.Sprintf("unknown action %q", msg.Action))); err != nil {
				w.logger.Warn("write response", "id", msg.ID, "error", err)
			}
		}
	}
}

// authenticate reads the hello that must open every connection and answers
// it. It reports whether the peer presented the launch token.
func (w *Worker) authenticate(conn *protocol.Conn) bool {
	if err := conn.SetDeadline(time.Now().Add(helloTimeout)); err != nil {
		w.logger.Warn("set hello deadline", "error", err)
		return false
	}
	msg, err := conn.Receive()
	if err != nil {
		w.logger.Warn("read hello", "remote", conn.RemoteAddr(), "error", err)
		return false
	}

	if msg.Action != protocol.ActionHello || w.token == "" ||
		subtle.ConstantTimeCompare([]byte(msg.Token), []byte(w.token)) != 1 {
		w.logger.Warn("rejected unauthenticated connection", "remote", conn.RemoteAddr(), "action", msg.Action)
		conn.Send(protocol.Failure(msg.ID, "authentication failed"))
		return false
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		w.logger.Warn("clear hello deadline", "error", err)
		return false
	}
	if err := conn.Send(protocol.Welcome()); err != nil {
		w.logger.Warn("write welcome", "error", err)
		return false
	}
	return true
}

// execute resolves and runs one request and builds its response.
func (w *Worker) execute(ctx context.Context, msg protocol.Message) protocol.Message {
	logger := w.logger.With("id", msg.ID, "module", msg.ModulePath, "function", msg.Function)

	m, err := w.loader.Load(msg.ModulePath)
	if err != nil {
		logger.Warn("load module", "error", err)
		return protocol.Failure(msg.ID, err.Error())
	}

	fn, ok := m.Lookup(msg.Function)
	if !ok {
		logger.Warn("function not found")
		return protocol.Failure(msg.ID, module.MissingFunction(msg.ModulePath, msg.Function))
	}

	logger.Info("execute")
	start := time.Now()

	w.execMu.Lock()
	result, err := invoke(ctx, fn, &module.Call{Args: msg.Args, Kwargs: msg.Kwargs})
	w.execMu.Unlock()

	if err != nil {
		logger.Warn("execution failed", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return protocol.Failure(msg.ID, err.Error())
	}

	resp, err := protocol.Finished(msg.ID, result)
	if err != nil {
		logger.Warn("encode result", "error", err)
		return protocol.Failure(msg.ID, err.Error())
	}
	logger.Info("execution finished", "duration_ms", time.Since(start).Milliseconds())
	return resp
}

// invoke calls fn, turning a panic into an error so the worker survives it.
func invoke(ctx context.Context, fn module.Func, call *module.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, call)
}
