// Package compute is a thin client for the Loom daemon, the external
// evaluation service the agent thinks with. The daemon owns per-session
// interpreter state; the client finds it through a ready file, launches it on
// demand, and detects restarts that wipe session state.
package compute

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	replDirName   = ".loom-repl"
	readyFilename = "ready"
	pidFilename   = "daemon.pid"

	launchAttempts = 20
	launchPollWait = 500 * time.Millisecond
)

// CallLimits bounds one evaluation call.
type CallLimits struct {
	Timeout time.Duration

	// MaxResultChars truncates the returned value to keep model context sane.
	MaxResultChars int

	// MaxResponseBytes caps the wire frame; larger frames are rejected unread.
	MaxResponseBytes uint32

	// TimeoutLabel names the timeout in the error shown to the model.
	TimeoutLabel string
}

// Options configures a Client.
type Options struct {
	// Root is the daemon's directory, holding the launch script and the repl
	// runtime dir with its ready file.
	Root string

	// LaunchScript is the script name under Root. Default "daemon.sh".
	LaunchScript string

	// EvalTimeout bounds Evaluate calls. Default 30s.
	EvalTimeout time.Duration

	// LongTimeout bounds EvaluateLong calls. Default 5m.
	LongTimeout time.Duration

	Logger *zap.Logger
}

// Client talks to one daemon. Safe for concurrent use.
type Client struct {
	root      string
	replDir   string
	readyPath string
	pidPath   string
	launch    string

	evalTimeout time.Duration
	longTimeout time.Duration

	log *zap.Logger

	mu sync.Mutex
	// session id -> pid file mtime observed at last successful call. The
	// mtime changes when the daemon restarts, which wipes session state.
	generations map[string]int64
}

func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	launch := opts.LaunchScript
	if launch == "" {
		launch = "daemon.sh"
	}
	evalTimeout := opts.EvalTimeout
	if evalTimeout == 0 {
		evalTimeout = 30 * time.Second
	}
	longTimeout := opts.LongTimeout
	if longTimeout == 0 {
		longTimeout = 5 * time.Minute
	}
	replDir := filepath.Join(opts.Root, replDirName)
	return &Client{
		root:        opts.Root,
		replDir:     replDir,
		readyPath:   filepath.Join(replDir, readyFilename),
		pidPath:     filepath.Join(replDir, pidFilename),
		launch:      launch,
		evalTimeout: evalTimeout,
		longTimeout: longTimeout,
		log:         log,
		generations: make(map[string]int64),
	}
}

// Evaluate runs one expression in the named session under interactive limits.
func (c *Client) Evaluate(ctx context.Context, expr, session string) (string, error) {
	return c.call(ctx, expr, session, CallLimits{
		Timeout:          c.evalTimeout,
		MaxResultChars:   2000,
		MaxResponseBytes: 16 << 20,
		TimeoutLabel:     "timed out",
	})
}

// EvaluateLong runs one expression under relaxed limits for long-running
// work such as sub-agent runs.
func (c *Client) EvaluateLong(ctx context.Context, expr, session string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = c.longTimeout
	}
	return c.call(ctx, expr, session, CallLimits{
		Timeout:          timeout,
		MaxResultChars:   8000,
		MaxResponseBytes: 64 << 20,
		TimeoutLabel:     "long run timed out",
	})
}

func (c *Client) call(ctx context.Context, expr, session string, limits CallLimits) (string, error) {
	sockPath, err := c.ensureDaemon(ctx)
	if err != nil {
		return "", err
	}

	dialer := net.Dialer{Timeout: limits.Timeout}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			return "", ErrConnectionRefused
		case isTimeout(err):
			return "", &TimeoutError{Phase: PhaseConnect, Label: limits.TimeoutLabel, Timeout: limits.Timeout}
		default:
			return "", &Error{Op: "call", Err: err}
		}
	}
	defer conn.Close()

	deadline := time.Now().Add(limits.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", &Error{Op: "call", Err: err}
	}

	id := uuid.New()
	reqID := hex.EncodeToString(id[:])[:8]
	if err := writeFrame(conn, encodeRequest(reqID, session, expr)); err != nil {
		if isTimeout(err) {
			return "", &TimeoutError{Phase: PhaseEval, Label: limits.TimeoutLabel, Timeout: limits.Timeout}
		}
		return "", &Error{Op: "call", Err: err}
	}

	payload, err := readFrame(conn, limits.MaxResponseBytes)
	if err != nil {
		var tooBig *ResponseTooLargeError
		switch {
		case errors.As(err, &tooBig):
			return "", err
		case isTimeout(err):
			return "", &TimeoutError{Phase: PhaseEval, Label: limits.TimeoutLabel, Timeout: limits.Timeout}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return "", ErrPartialResponse
		default:
			return "", &Error{Op: "call", Err: err}
		}
	}

	value, err := parseResponse(payload)
	if err != nil {
		return "", err
	}

	c.recordGeneration(session)

	if len(value) > limits.MaxResultChars {
		total := len(value)
		value = value[:limits.MaxResultChars] + fmt.Sprintf("\n(truncated — %d chars total)", total)
	}
	return value, nil
}

// socketPath resolves the daemon's socket from its ready file. A relative
// path in the ready file is resolved against the daemon root.
func (c *Client) socketPath() (string, bool) {
	data, err := os.ReadFile(c.readyPath)
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(data))
	path, ok := strings.CutPrefix(content, "socket:")
	if !ok {
		return "", false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.root, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// ensureDaemon returns the socket path, launching the daemon and polling for
// its ready file when it is not already up.
func (c *Client) ensureDaemon(ctx context.Context) (string, error) {
	if p, ok := c.socketPath(); ok {
		return p, nil
	}

	script := filepath.Join(c.root, c.launch)
	if _, err := os.Stat(script); err != nil {
		c.log.Error("daemon launch script not found", zap.String("script", script))
		return "", ErrDaemonUnavailable
	}

	c.log.Info("daemon not running, launching", zap.String("script", script))
	cmd := exec.Command("bash", script, "start")
	cmd.Dir = c.root
	if err := cmd.Start(); err != nil {
		return "", &Error{Op: "ensureDaemon", Err: err}
	}
	go cmd.Wait()

	for i := 0; i < launchAttempts; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(launchPollWait):
		}
		if p, ok := c.socketPath(); ok {
			c.log.Info("daemon started")
			return p, nil
		}
	}
	c.log.Error("daemon failed to start in time")
	return "", ErrDaemonUnavailable
}

// RestartDaemon stops the daemon and clears its ready file so the next call
// relaunches it fresh. Used by the circuit breaker to clear a stuck worker.
func (c *Client) RestartDaemon(ctx context.Context) error {
	script := filepath.Join(c.root, c.launch)
	if _, err := os.Stat(script); err != nil {
		return ErrDaemonUnavailable
	}
	cmd := exec.CommandContext(ctx, "bash", script, "stop")
	cmd.Dir = c.root
	if err := cmd.Run(); err != nil {
		c.log.Warn("daemon stop script failed", zap.Error(err))
	}
	if err := os.Remove(c.readyPath); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "RestartDaemon", Err: err}
	}
	return nil
}

func (c *Client) pidMtime() int64 {
	fi, err := os.Stat(c.pidPath)
	if err != nil {
		return 0
	}
	return fi.ModTime().UnixNano()
}

func (c *Client) recordGeneration(session string) {
	mtime := c.pidMtime()
	c.mu.Lock()
	c.generations[session] = mtime
	c.mu.Unlock()
}

// SessionStale reports whether the daemon has restarted since the last
// successful call on this session. A fresh session is never stale.
func (c *Client) SessionStale(session string) bool {
	current := c.pidMtime()
	c.mu.Lock()
	prev, ok := c.generations[session]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return current != prev
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
