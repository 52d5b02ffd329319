// Package scheduler runs the background jobs of the server. Today that is
// the monthly credit reset.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// MonthlyResetter is satisfied by *service.CreditService.
type MonthlyResetter interface {
	ResetMonthly(ctx context.Context) (int64, error)
}

type Scheduler struct {
	cron     *cron.Cron
	resetID  cron.EntryID
	resetter MonthlyResetter
	timeout  time.Duration
	logger   *slog.Logger
}

// New registers the monthly reset under schedule, a five-field cron expression
// or a descriptor such as "@monthly". Schedules are evaluated in UTC.
func New(schedule string, resetter MonthlyResetter, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		resetter: resetter,
		timeout:  5 * time.Minute,
		logger:   logger,
	}

	id, err := s.cron.AddFunc(schedule, s.runMonthlyReset)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid monthly reset schedule %q: %w", schedule, err)
	}
	s.resetID = id
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		slog.Time("nextMonthlyReset", s.NextMonthlyReset(time.Now())))
}

// Stop prevents new runs and waits for a running job, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: waiting for running jobs: %w", ctx.Err())
	}
}

// NextMonthlyReset reports when the reset fires next after t.
func (s *Scheduler) NextMonthlyReset(t time.Time) time.Time {
	return s.cron.Entry(s.resetID).Schedule.Next(t)
}

func (s *Scheduler) runMonthlyReset() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// CreditService logs the outcome; the error only matters for the return.
	_, _ = s.resetter.ResetMonthly(ctx)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
