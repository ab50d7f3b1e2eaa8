package compute

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func evalTimeout() error {
	return &TimeoutError{Phase: PhaseEval, Label: "timed out", Timeout: 30 * time.Second}
}

func TestBreakerTripsOnConsecutiveEvalTimeouts(t *testing.T) {
	b := NewBreaker(3)
	assert.False(t, b.Record(evalTimeout()))
	assert.False(t, b.Record(evalTimeout()))
	assert.True(t, b.Record(evalTimeout()))
	assert.Equal(t, 0, b.Consecutive())
}

func TestBreakerSuccessResets(t *testing.T) {
	b := NewBreaker(3)
	b.Record(evalTimeout())
	b.Record(evalTimeout())
	assert.False(t, b.Record(nil))
	assert.Equal(t, 0, b.Consecutive())
}

func TestBreakerIgnoresConnectTimeouts(t *testing.T) {
	b := NewBreaker(3)
	b.Record(evalTimeout())
	b.Record(evalTimeout())

	connect := &TimeoutError{Phase: PhaseConnect, Label: "timed out", Timeout: 30 * time.Second}
	assert.False(t, b.Record(connect))
	assert.Equal(t, 2, b.Consecutive())

	assert.False(t, b.Record(ErrDaemonUnavailable))
	assert.False(t, b.Record(ErrConnectionRefused))
	assert.Equal(t, 2, b.Consecutive())
}

func TestBreakerEvalErrorResets(t *testing.T) {
	b := NewBreaker(3)
	b.Record(evalTimeout())
	assert.False(t, b.Record(&EvalError{Message: "unbound variable"}))
	assert.Equal(t, 0, b.Consecutive())

	b.Record(evalTimeout())
	assert.False(t, b.Record(errors.New("weird transport failure")))
	assert.Equal(t, 0, b.Consecutive())
}
