package compute

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDaemonUnavailable means the daemon was not running and could not be
	// launched within the startup window.
	ErrDaemonUnavailable = errors.New("daemon is not running and could not be started")

	// ErrConnectionRefused means the socket exists but nothing accepted.
	ErrConnectionRefused = errors.New("daemon refused connection")

	// ErrPartialResponse means the connection closed mid frame.
	ErrPartialResponse = errors.New("connection closed during read")
)

// TimeoutPhase distinguishes where a timeout occurred. Evaluation timeouts
// mean a stuck worker and feed the circuit breaker; connect timeouts are
// transient infrastructure noise and do not.
type TimeoutPhase string

const (
	PhaseConnect TimeoutPhase = "connect"
	PhaseEval    TimeoutPhase = "eval"
)

// TimeoutError reports a timed-out call along with the phase it died in.
type TimeoutError struct {
	Phase   TimeoutPhase
	Label   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s after %gs", e.Phase, e.Label, e.Timeout.Seconds())
}

// ResponseTooLargeError is returned when the frame header announces a body
// over the per-call cap. The body is never read.
type ResponseTooLargeError struct {
	Size  uint32
	Limit uint32
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response too large (%d bytes)", e.Size)
}

// EvalError is an error the daemon itself reported for an expression.
type EvalError struct {
	Message string
}

func (e *EvalError) Error() string { return e.Message }

// Error wraps a failure in a client operation with the operation name.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compute: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
