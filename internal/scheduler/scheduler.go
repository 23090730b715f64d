// Package scheduler runs the gateway's named long-lived background services
// (spec §5, §9): the pool sweeper and usage reconciler, both scheduled by
// cron expression, plus the breaker prober, which runs on a plain ticker
// since it needs sub-minute resolution that a 5-field cron schedule can't
// express. The breaker prober shuts down via its own done channel and
// WaitGroup; the cron jobs stop when Stop cancels their shared context and
// stops the cron runner. Both are independent of request-scoped cancellation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a periodic background task scheduled by cron expression.
type Job interface {
	// Name uniquely identifies the job for logging and duplicate detection.
	Name() string
	// Schedule returns a 5-field cron expression (e.g. "*/5 * * * *").
	Schedule() string
	// Run executes one tick. Implementations should check ctx.Done() for
	// cooperative cancellation on long-running work.
	Run(ctx context.Context) error
}

// Scheduler runs registered Jobs on their cron schedules. Each job is
// guarded by its own mutex so a slow tick is skipped rather than queued —
// a job that's still running when its next tick fires is left alone.
type Scheduler struct {
	mu    sync.Mutex
	cron  *cron.Cron
	jobs  []Job
	names map[string]struct{}
	locks map[string]*sync.Mutex

	logger *slog.Logger
	cancel context.CancelFunc
}

// New creates a Scheduler. Jobs must be registered with RegisterJob before
// Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		names:  make(map[string]struct{}),
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// RegisterJob adds a job. Returns an error if a job with the same name is
// already registered. Must be called before Start.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.names[name]; exists {
		return fmt.Errorf("scheduler: duplicate job name %q", name)
	}
	s.names[name] = struct{}{}
	s.locks[name] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start parses every registered job's schedule and begins ticking. Returns
// an error without starting anything if any schedule is invalid.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(cron.WithParser(parser))

	for _, j := range s.jobs {
		job := j
		lock := s.locks[job.Name()]

		_, err := s.cron.AddFunc(job.Schedule(), func() {
			if !lock.TryLock() {
				s.logger.Warn("scheduler: job still running, skipping tick", slog.String("job", job.Name()))
				return
			}
			defer lock.Unlock()

			if err := job.Run(ctx); err != nil {
				s.logger.Error("scheduler: job failed", slog.String("job", job.Name()), slog.String("error", err.Error()))
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("scheduler: invalid schedule for job %q: %w", job.Name(), err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels the shared job context and waits for cron to drain in-flight
// ticks. Safe to call even if Start was never called.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}
