// Package sweeper periodically repairs instances whose work items were lost:
// it records timeouts for activity calls nobody is running and resumes
// instances that wait on a replay pass nobody will run.
//
// Workers enforce activity deadlines themselves; the sweeper covers the
// cases where no worker ever sees the task again, such as a crash while
// using an in-memory queue or a failed enqueue.
//
//	sw, err := sweeper.New("@every 10s", engine, logger, sweeper.WithStallThreshold(time.Minute))
//	if err != nil {
//	    return err
//	}
//	go sw.Run(ctx)
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when the schedule cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid sweeper schedule")

// DefaultStallThreshold is how long an instance may sit idle with every
// call resolved before it is resumed.
const DefaultStallThreshold = time.Minute

// Target is implemented by engines that can sweep expired activity calls
// and resume stalled instances.
type Target interface {
	SweepTimeouts(ctx context.Context) (int, error)
	ResumeStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper runs Target.SweepTimeouts and Target.ResumeStalled on a cron
// schedule.
type Sweeper struct {
	schedule   cron.Schedule
	target     Target
	logger     *slog.Logger
	stallAfter time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithStallThreshold sets how long an instance must be idle before it is
// resumed. Non-positive values keep the default.
func WithStallThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.stallAfter = d
		}
	}
}

// New parses expr with the standard cron parser, which also accepts
// descriptors such as "@every 30s" and "@hourly".
func New(expr string, target Target, logger *slog.Logger, opts ...Option) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}
	return NewWithSchedule(schedule, target, logger, opts...), nil
}

// NewWithSchedule creates a Sweeper from an already parsed schedule.
func NewWithSchedule(schedule cron.Schedule, target Target, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{schedule: schedule, target: target, logger: logger, stallAfter: DefaultStallThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextRun returns the next scheduled sweep from now.
func (s *Sweeper) NextRun() time.Time {
	return s.schedule.Next(time.Now())
}

// Run sweeps on every tick of the schedule until ctx is cancelled. Sweep
// errors are logged and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		wait := time.Until(s.NextRun())
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Debug("sweeper_stopped")
			return nil
		case <-timer.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and logs its outcome. It returns how many
// calls timed out and how many instances were resumed.
func (s *Sweeper) SweepOnce(ctx context.Context) (timedOut, resumed int) {
	start := time.Now()
	timedOut, err := s.target.SweepTimeouts(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("sweep_failed", slog.Any("error", err))
	}
	resumed, err = s.target.ResumeStalled(ctx, s.stallAfter)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("resume_stalled_failed", slog.Any("error", err))
	}
	if timedOut > 0 || resumed > 0 {
		s.logger.Info("sweep_completed",
			slog.Int("timed_out", timedOut),
			slog.Int("resumed", resumed),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return timedOut, resumed
}
