package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"harvester/internal/jobs/harvest"
	"harvester/internal/support"
)

const SyncLockKey = "harvester:lock:sync"

// Runner is satisfied by *harvest.Job.
type Runner interface {
	Run(ctx context.Context) (*harvest.Outcome, error)
}

type WatchOptions struct {
	// Schedule is a robfig/cron spec such as "@every 1h" or "0 * * * *".
	Schedule string
	// Redis, when set, serialises runs across instances.
	Redis   *redis.Client
	LockTTL time.Duration
}

// Status is the most recent run as seen by the watcher.
type Status struct {
	LastRun     time.Time `json:"last_run"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	Runs        int       `json:"runs"`
	Skipped     int       `json:"skipped"`
}

// Watcher runs the sync job on a cron schedule.
type Watcher struct {
	runner Runner
	opts   WatchOptions
	logger *log.Logger
	group  singleflight.Group
	extra  []scheduledTask

	mu     sync.RWMutex
	status Status
}

type scheduledTask struct {
	spec string
	name string
	run  func(context.Context)
}

func NewWatcher(runner Runner, opts WatchOptions, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = support.DefaultLockTTL
	}
	return &Watcher{runner: runner, opts: opts, logger: logger}
}

// AddTask schedules an auxiliary task next to the sync job.
func (w *Watcher) AddTask(spec, name string, run func(context.Context)) {
	w.extra = append(w.extra, scheduledTask{spec: spec, name: name, run: run})
}

// Trigger runs the sync job now. Concurrent triggers share one run; a run
// held by another instance is skipped and reported as nil.
func (w *Watcher) Trigger(ctx context.Context, reason string) error {
	_, err, shared := w.group.Do("sync", func() (interface{}, error) {
		w.logger.Info("Starting sync run", "reason", reason)
		err := support.RunExclusive(ctx, w.opts.Redis, SyncLockKey, w.opts.LockTTL, w.logger, func(runCtx context.Context) error {
			_, err := w.runner.Run(runCtx)
			return err
		})
		w.record(err)
		return nil, err
	})
	if shared {
		w.logger.Debug("Sync trigger joined an in-flight run", "reason", reason)
	}
	if errors.Is(err, support.ErrLockHeld) {
		w.logger.Info("Sync run skipped, another instance holds the lock", "reason", reason)
		return nil
	}
	return err
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	switch {
	case errors.Is(err, support.ErrLockHeld):
		w.status.Skipped++
		return
	case err != nil:
		w.status.LastError = err.Error()
	default:
		w.status.LastError = ""
		w.status.LastSuccess = now
	}
	w.status.LastRun = now
	w.status.Runs++
}

func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Start runs once immediately and then on every schedule tick until ctx is
// cancelled. It waits for an in-flight run before returning.
func (w *Watcher) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{w.logger}),
		cron.WithChain(cron.Recover(cronLogger{w.logger}), cron.SkipIfStillRunning(cronLogger{w.logger})),
	)

	if _, err := c.AddFunc(w.opts.Schedule, func() { w.runScheduled(ctx, "scheduled") }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", w.opts.Schedule, err)
	}
	for _, task := range w.extra {
		task := task
		if _, err := c.AddFunc(task.spec, func() { task.run(ctx) }); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", task.spec, task.name, err)
		}
	}

	w.logger.Info("Watch mode started", "schedule", w.opts.Schedule, "locking", w.opts.Redis != nil)
	c.Start()
	w.runScheduled(ctx, "startup")

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	w.logger.Info("Watch mode stopped")
	return nil
}

func (w *Watcher) runScheduled(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	if err := w.Trigger(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("Sync run failed", "reason", reason, "error", err)
	}
}

// cronLogger routes cron's own messages through the application logger.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
