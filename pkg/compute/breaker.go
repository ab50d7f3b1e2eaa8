package compute

import "errors"

// Breaker counts consecutive evaluation timeouts. A stuck daemon worker
// shows up as eval timeouts in a row; once the threshold is hit the owner
// should restart the daemon. Connect timeouts and an unreachable daemon say
// nothing about a stuck worker, so they leave the count untouched. Any
// successful call resets it.
type Breaker struct {
	threshold   int
	consecutive int
}

func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// Record classifies the outcome of one call and reports whether the breaker
// tripped. Tripping resets the count.
func (b *Breaker) Record(err error) bool {
	var te *TimeoutError
	switch {
	case errors.As(err, &te):
		if te.Phase != PhaseEval {
			return false
		}
		b.consecutive++
		if b.consecutive >= b.threshold {
			b.consecutive = 0
			return true
		}
		return false
	case errors.Is(err, ErrDaemonUnavailable), errors.Is(err, ErrConnectionRefused):
		return false
	default:
		b.consecutive = 0
		return false
	}
}

// Consecutive returns the current streak of eval timeouts.
func (b *Breaker) Consecutive() int { return b.consecutive }
