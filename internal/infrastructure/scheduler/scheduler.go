// Package scheduler runs named background jobs on fixed intervals. Used by
// the worker process for outbox reconciliation and retention pruning.
package scheduler

import (
	"context"
	"sync"
	"time"

	"milltrack/pkg/logger"
)

// Job is one periodic task. Run errors are logged and the job keeps its
// schedule; a job that must stop the process should panic instead.
type Job struct {
	Name     string
	Interval time.Duration

	// RunOnStart fires the job once immediately instead of waiting a full
	// interval for the first tick.
	RunOnStart bool

	Run func(ctx context.Context) error
}

// Scheduler owns a set of jobs and one goroutine per job.
type Scheduler struct {
	log  *logger.Logger
	jobs []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{log: log.WithComponent("scheduler")}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Add after Start")
	}
	s.jobs = append(s.jobs, job)
}

// Start launches all registered jobs. Returns immediately; jobs run until
// Stop is called or the parent context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runJob(ctx, job)
		}(job)
	}
	s.log.Infow("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Infow("scheduler stopped")
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if job.RunOnStart {
		s.execute(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Errorw("job failed",
			"job", job.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return
	}
	s.log.Debugw("job completed",
		"job", job.Name, "duration_ms", time.Since(start).Milliseconds())
}
