// Package supervisor keeps an agent engine running: it restarts after
// crashes and panics with exponential backoff, records each crash durably,
// and stays down once the engine stops on purpose.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBackoffFloor   = 5 * time.Second
	defaultBackoffCeiling = 120 * time.Second

	// healthyAfter is the uptime that counts as a real recovery; crashes
	// after a healthy stretch restart from the floor again.
	defaultHealthyAfter = 5 * time.Minute
)

// RunFunc is one supervised attempt. A nil return is an intentional stop
// and ends supervision; an error or panic triggers a restart.
type RunFunc func(ctx context.Context) error

// CrashRecord is one restart event, appended to the crash log.
type CrashRecord struct {
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error"`
	Restarts   int       `json:"restarts"`
	UptimeSec  float64   `json:"uptime_sec"`
	BackoffSec float64   `json:"backoff_sec"`
}

// Options configures a Supervisor.
type Options struct {
	// Name labels log lines and crash records.
	Name string

	Run RunFunc

	Logger *zap.Logger

	// CrashLogPath is an append-only JSONL file of crash records. Empty
	// disables the file.
	CrashLogPath string

	// Notify, when set, observes each crash record.
	Notify func(CrashRecord)

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	HealthyAfter   time.Duration
}

// Supervisor restarts a RunFunc until it stops cleanly or the context ends.
type Supervisor struct {
	opts Options
	log  *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BackoffFloor == 0 {
		opts.BackoffFloor = defaultBackoffFloor
	}
	if opts.BackoffCeiling == 0 {
		opts.BackoffCeiling = defaultBackoffCeiling
	}
	if opts.HealthyAfter == 0 {
		opts.HealthyAfter = defaultHealthyAfter
	}
	return &Supervisor{
		opts:  opts,
		log:   log.With(zap.String("supervised", opts.Name)),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Run supervises until the RunFunc returns nil, or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.opts.BackoffFloor
	restarts := 0

	for {
		start := s.now()
		err := s.runOnce(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			s.log.Info("stopped cleanly, not restarting")
			return nil
		}

		uptime := s.now().Sub(start)
		if uptime > s.opts.HealthyAfter {
			backoff = s.opts.BackoffFloor
		}
		restarts++

		record := CrashRecord{
			Name:       s.opts.Name,
			Timestamp:  s.now(),
			Error:      err.Error(),
			Restarts:   restarts,
			UptimeSec:  uptime.Seconds(),
			BackoffSec: backoff.Seconds(),
		}
		s.recordCrash(record)
		s.log.Error("crashed, restarting",
			zap.Error(err),
			zap.Duration("uptime", uptime),
			zap.Duration("backoff", backoff),
			zap.Int("restarts", restarts))

		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > s.opts.BackoffCeiling {
			backoff = s.opts.BackoffCeiling
		}
	}
}

// runOnce executes one attempt with panic containment.
func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic recovered", zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = s.opts.Run(ctx)
	// A cancelled context is an intentional stop, not a crash.
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	return err
}

func (s *Supervisor) recordCrash(record CrashRecord) {
	if s.opts.Notify != nil {
		s.opts.Notify(record)
	}
	if s.opts.CrashLogPath == "" {
		return
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.opts.CrashLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Error("failed to open crash log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.log.Error("failed to write crash record", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
