package memory

import "fmt"

// StreamError wraps a failure in a stream operation with the operation name.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("memory: %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
