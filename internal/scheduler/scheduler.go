// Package scheduler drains due reminders from the store and delivers them.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkerlin/nanotools.go/internal/db"
	"github.com/linkerlin/nanotools.go/internal/delivery"
	"github.com/linkerlin/nanotools.go/internal/reminder"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultDeliveryTimeout = delivery.DefaultTimeout
	DefaultRetryCeiling    = 3
)

// Store is the part of reminder.Store the scheduler drives.
type Store interface {
	Due(now time.Time) []reminder.Reminder
	Get(id string) (reminder.Reminder, bool)
	Mark(id string, status reminder.Status) (bool, error)
	RecordFailure(id string, cause error, ceiling int) (reminder.Reminder, error)
}

// Journal records delivery attempts. Journal errors never affect reminders.
type Journal interface {
	RecordAttempt(ctx context.Context, a db.Attempt) error
}

// Config tunes the loop.
type Config struct {
	Interval        time.Duration
	DeliveryTimeout time.Duration
	RetryCeiling    int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	return c
}

// TickStats summarizes one pass.
type TickStats struct {
	Due     int
	Fired   int
	Retried int
	Failed  int
	Skipped int
}

// Scheduler delivers due reminders on a fixed interval.
type Scheduler struct {
	store   Store
	sender  delivery.Sender
	journal Journal
	cfg     Config
	now     func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithJournal records every attempt in j.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(store Store, sender delivery.Sender, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		sender: sender,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one tick immediately, so reminders that came due while the
// process was down go out first, then one tick per interval. Overlapping
// ticks are skipped. Start is a no-op while already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{slog.Default().With("component", "scheduler")}
	job := cron.NewChain(cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		s.Tick(ctx)
	}))

	c := cron.New(cron.WithLogger(logger))
	c.Schedule(cron.Every(s.cfg.Interval), job)
	c.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Run()
	}()

	s.cron, s.cancel, s.done = c, cancel, done
	slog.Info("scheduler started", "interval", s.cfg.Interval, "retry_ceiling", s.cfg.RetryCeiling)
}

// Stop cancels in-flight deliveries and waits for running ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel, done := s.cron, s.cancel, s.done
	s.cron, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()
	<-done
	slog.Info("scheduler stopped")
}

// Tick delivers every reminder due now, oldest first.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	due := s.store.Due(s.now())
	stats := TickStats{Due: len(due)}
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.deliver(ctx, r) {
		case reminder.Fired:
			stats.Fired++
		case reminder.Failed:
			stats.Failed++
		case reminder.Pending:
			stats.Retried++
		default:
			stats.Skipped++
		}
	}
	if stats.Due > 0 {
		slog.Info("scheduler tick", "due", stats.Due, "fired", stats.Fired,
			"retried", stats.Retried, "failed", stats.Failed, "skipped", stats.Skipped)
	}
	return stats
}

// deliver returns the reminder's status after the attempt, or "" when the
// reminder was not attempted.
func (s *Scheduler) deliver(ctx context.Context, snap reminder.Reminder) reminder.Status {
	// The due list is a snapshot; a cancel may have landed since.
	r, ok := s.store.Get(snap.ID)
	if !ok || r.Status != reminder.Pending {
		return ""
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	started := s.now()
	err := s.sender.Send(sendCtx, r.Target, r.Text())
	cancel()
	s.record(ctx, r, started, err)

	if err == nil {
		if _, merr := s.store.Mark(r.ID, reminder.Fired); merr != nil {
			slog.Error("mark reminder fired", "id", r.ID, "err", merr)
			return reminder.Pending
		}
		slog.Info("reminder fired", "id", r.ID, "target", r.Target.String())
		return reminder.Fired
	}

	// Shutdown interrupted the send; it does not count against the reminder.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ""
	}

	updated, ferr := s.store.RecordFailure(r.ID, err, s.cfg.RetryCeiling)
	if ferr != nil {
		slog.Error("record delivery failure", "id", r.ID, "err", ferr)
		return reminder.Pending
	}
	if updated.Status == reminder.Failed {
		slog.Warn("reminder failed", "id", r.ID, "attempts", updated.AttemptCount, "err", err)
	} else {
		slog.Warn("reminder delivery failed, will retry", "id", r.ID, "attempts", updated.AttemptCount, "err", err)
	}
	return updated.Status
}

func (s *Scheduler) record(ctx context.Context, r reminder.Reminder, started time.Time, sendErr error) {
	if s.journal == nil {
		return
	}
	a := db.Attempt{
		ReminderID: r.ID,
		Attempt:    r.AttemptCount + 1,
		Target:     r.Target.String(),
		At:         started,
		Duration:   s.now().Sub(started),
		OK:         sendErr == nil,
	}
	if sendErr != nil {
		a.Error = sendErr.Error()
	}
	if err := s.journal.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		slog.Warn("journal delivery attempt", "id", r.ID, "err", err)
	}
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
