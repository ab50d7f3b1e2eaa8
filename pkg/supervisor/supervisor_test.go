package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests control uptime without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestSupervisor(opts Options) (*Supervisor, *fakeClock, *[]time.Duration) {
	s := New(opts)
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var slept []time.Duration
	s.now = clock.now
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, clock, &slept
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	failures := 7
	s, _, slept := newTestSupervisor(Options{
		Name: "test",
		Run: func(ctx context.Context) error {
			if failures > 0 {
				failures--
				return errors.New("crash")
			}
			return nil
		},
		BackoffFloor:   5 * time.Second,
		BackoffCeiling: 120 * time.Second,
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second, 120 * time.Second, 120 * time.Second,
	}, *slept)
}

func TestBackoffResetsAfterHealthyStretch(t *testing.T) {
	attempt := 0
	var s *Supervisor
	var clock *fakeClock
	var slept *[]time.Duration
	s, clock, slept = newTestSupervisor(Options{
		Name: "test",
		Run: func(ctx context.Context) error {
			attempt++
			switch attempt {
			case 1, 2:
				return errors.New("early crash")
			case 3:
				// Runs healthy past the threshold before dying.
				clock.advance(10 * time.Minute)
				return errors.New("late crash")
			default:
				return nil
			}
		},
		BackoffFloor: 5 * time.Second,
		HealthyAfter: 5 * time.Minute,
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 5 * time.Second,
	}, *slept)
}

func TestCleanStopDoesNotRestart(t *testing.T) {
	runs := 0
	s, _, slept := newTestSupervisor(Options{
		Name: "test",
		Run: func(ctx context.Context) error {
			runs++
			return nil
		},
	})
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, runs)
	assert.Empty(t, *slept)
}

func TestContextCancelStopsSupervision(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, _, slept := newTestSupervisor(Options{
		Name: "test",
		Run: func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		},
	})
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *slept)
}

func TestPanicIsRecoveredAndRestarted(t *testing.T) {
	attempt := 0
	s, _, _ := newTestSupervisor(Options{
		Name: "test",
		Run: func(ctx context.Context) error {
			attempt++
			if attempt == 1 {
				panic("boom")
			}
			return nil
		},
	})
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 2, attempt)
}

func TestCrashRecordsAppended(t *testing.T) {
	dir := t.TempDir()
	crashLog := filepath.Join(dir, "crashes.jsonl")

	var notified []CrashRecord
	failures := 2
	s, _, _ := newTestSupervisor(Options{
		Name:         "vega",
		CrashLogPath: crashLog,
		Notify:       func(r CrashRecord) { notified = append(notified, r) },
		Run: func(ctx context.Context) error {
			if failures > 0 {
				failures--
				return errors.New("kaboom")
			}
			return nil
		},
	})

	require.NoError(t, s.Run(context.Background()))
	require.Len(t, notified, 2)
	assert.Equal(t, 1, notified[0].Restarts)
	assert.Equal(t, 2, notified[1].Restarts)

	data, err := os.ReadFile(crashLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec CrashRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "vega", rec.Name)
	assert.Equal(t, "kaboom", rec.Error)
}
