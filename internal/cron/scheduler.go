// Package cron fires the optional check schedule: when settings.toml carries
// a cron expression, the worker posts itself a check trigger each time the
// schedule comes due, so quiet chats still get a poll at known times.
package cron

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/rho-bridge/internal/trigger"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Source identifies scheduled triggers in state and logs.
const Source = "schedule"

// Config holds the dependencies for the check scheduler.
type Config struct {
	Expr        string // cron expression from settings
	TriggerPath string // check-trigger.json path
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler watches one cron expression and posts a check trigger whenever
// it comes due.
type Scheduler struct {
	schedule    cronlib.Schedule
	triggerPath string
	logger      *slog.Logger
	interval    time.Duration

	mu     sync.Mutex
	nextAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses the expression and builds the scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule:    schedule,
		triggerPath: cfg.TriggerPath,
		logger:      logger,
		interval:    interval,
		nextAt:      schedule.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("check scheduler started", "next_at", s.NextAt())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("check scheduler stopped")
}

// NextAt returns the next scheduled firing time.
func (s *Scheduler) NextAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// tick posts a trigger when the schedule has come due and advances nextAt.
// The trigger file is a plain overwrite, so a missed consume collapses into
// the next one instead of piling up.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextAt)
	if due {
		s.nextAt = s.schedule.Next(now)
	}
	next := s.nextAt
	s.mu.Unlock()
	if !due {
		return
	}

	req := trigger.Request{
		RequestedAt:   now.UnixMilli(),
		RequesterPID:  os.Getpid(),
		RequesterRole: trigger.RoleLeader,
		Source:        Source,
	}
	if err := trigger.Write(s.triggerPath, req); err != nil {
		s.logger.Error("post scheduled check trigger", "error", err)
		return
	}
	s.logger.Info("scheduled check trigger posted", "next_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time. Used to validate check_schedule at startup.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
