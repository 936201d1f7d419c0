// Package scheduler runs gitguard's periodic maintenance jobs (purging
// expired confirmations, pruning idle rate-limit buckets) on cron schedules.
//
// Jobs never run git and never touch a repository; they only maintain
// gitguard's own state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions and descriptors such as
// "@every 1m" or "@hourly".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// JobFunc is one maintenance task.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule cron.Schedule
	spec     string
	run      JobFunc
}

// Scheduler fires registered jobs on their schedules. A job still running
// when its next tick arrives is skipped for that tick.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []job
	metrics *Metrics
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		metrics: metrics,
		logger:  logger,
		timeout: time.Minute,
	}
}

// Add registers a job. Returns an error for an invalid schedule.
func (s *Scheduler) Add(name, spec string, run JobFunc) error {
	sched, err := Parse(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job{name: name, schedule: sched, spec: spec, run: run})
	s.mu.Unlock()
	return nil
}

// Start begins firing jobs. Returns a cancel function that stops the
// scheduler and waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	s.mu.Lock()
	for _, j := range s.jobs {
		c.Schedule(j.schedule, cron.FuncJob(func() { s.runJob(ctx, j) }))
		s.logger.InfoContext(ctx, "maintenance job scheduled",
			slog.String("job", j.name),
			slog.String("schedule", j.spec),
		)
	}
	s.mu.Unlock()

	c.Start()

	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
	}
}

// RunAll runs every registered job once, in registration order.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()
	for _, j := range jobs {
		s.runJob(ctx, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := j.run(jobCtx)
	if s.metrics != nil {
		s.metrics.Runs.WithLabelValues(j.name).Inc()
		s.metrics.Duration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.Failures.WithLabelValues(j.name).Inc()
		}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.DebugContext(ctx, "maintenance job completed",
		slog.String("job", j.name),
		slog.Duration("duration", time.Since(start)),
	)
}

// Parse validates a schedule expression.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return sched, nil
}

// NextRunFrom computes the next run time from a given reference time.
func NextRunFrom(spec string, from time.Time) (time.Time, error) {
	sched, err := Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
