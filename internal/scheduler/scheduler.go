package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pos-payments-go/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Handler is a task body. It must be idempotent: a job may run more than
// once for the same invocation.
type Handler func(ctx context.Context, arg string) error

// ErrorSink receives every failed task run.
type ErrorSink func(job Job, err error)

// Spec describes a job to schedule.
type Spec struct {
	Name string
	Arg  string
	// Interval re-runs the job after each success; zero runs it once.
	Interval time.Duration
	// Delay postpones the first run.
	Delay time.Duration
	// Deadline drops the job, retried or not, once passed. Zero never expires.
	Deadline time.Time
}

type Scheduler struct {
	store    Store
	cfg      models.SchedulerConfig
	now      func() time.Time
	sink     ErrorSink
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(store Store, cfg models.SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Minute
	}
	if cfg.LeaseDuration < cfg.TaskTimeout+cfg.PollInterval {
		cfg.LeaseDuration = cfg.TaskTimeout + cfg.PollInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		sink:     logFailure,
		handlers: make(map[string]Handler),
	}
}

func logFailure(job Job, err error) {
	zap.L().Error("Task failed",
		zap.String("job_id", job.Id),
		zap.Int("attempt", job.Attempt),
		zap.Error(err))
}

// SetErrorSink replaces the default zap sink.
func (s *Scheduler) SetErrorSink(sink ErrorSink) {
	s.sink = sink
}

func (s *Scheduler) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

func (s *Scheduler) handler(name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Schedule enqueues a job, replacing any job with the same name and arg.
func (s *Scheduler) Schedule(ctx context.Context, spec Spec) error {
	if _, ok := s.handler(spec.Name); !ok {
		return fmt.Errorf("no handler registered for task %q", spec.Name)
	}
	job := Job{
		Id:       JobId(spec.Name, spec.Arg),
		Name:     spec.Name,
		Arg:      spec.Arg,
		Interval: spec.Interval,
		Deadline: spec.Deadline,
		RunAt:    s.now().Add(spec.Delay),
	}
	if err := s.store.Put(ctx, job); err != nil {
		return fmt.Errorf("unable to schedule %s: %w", job.Id, err)
	}
	zap.L().Debug("Task scheduled",
		zap.String("job_id", job.Id),
		zap.Duration("interval", job.Interval),
		zap.Time("run_at", job.RunAt))
	return nil
}

// Cancel stops a job. A run already in progress finishes but is not
// re-enqueued.
func (s *Scheduler) Cancel(ctx context.Context, name, arg string) error {
	id := JobId(name, arg)
	if err := s.store.Cancel(ctx, id); err != nil {
		return fmt.Errorf("unable to cancel %s: %w", id, err)
	}
	zap.L().Debug("Task cancelled", zap.String("job_id", id))
	return nil
}

// CancelSelf cancels the job the calling task body runs under.
func (s *Scheduler) CancelSelf(ctx context.Context) error {
	jc := models.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return s.Cancel(ctx, jc.Name, jc.Arg)
}

// Run drives due jobs through a worker pool until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	work := make(chan Job)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				s.execute(ctx, job)
			}
		}()
	}

	zap.L().Info("Scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("poll_interval", s.cfg.PollInterval))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		jobs, err := s.poll(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Error("Failed to claim jobs", zap.Error(err))
		}
	dispatch:
		for _, job := range jobs {
			select {
			case work <- job:
			case <-ctx.Done():
				break dispatch
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			close(work)
			wg.Wait()
			zap.L().Info("Scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) ([]Job, error) {
	return s.store.Claim(ctx, s.now(), s.cfg.LeaseDuration, s.cfg.Workers)
}

// execute runs one claimed job and decides its next run.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	now := s.now()
	if !job.Deadline.IsZero() && now.After(job.Deadline) {
		zap.L().Warn("Task deadline passed, dropping job",
			zap.String("job_id", job.Id),
			zap.Time("deadline", job.Deadline))
		s.remove(ctx, job)
		return
	}

	h, ok := s.handler(job.Name)
	if !ok {
		zap.L().Error("No handler for job, dropping", zap.String("job_id", job.Id))
		s.remove(ctx, job)
		return
	}

	err := s.invoke(ctx, h, job)
	if ctx.Err() != nil {
		// shutting down; the lease makes the job due again
		return
	}

	next := job
	if err != nil {
		s.sink(job, err)
		next.Attempt++
		next.RunAt = s.now().Add(s.retryDelay(next.Attempt))
		if !next.Deadline.IsZero() && next.RunAt.After(next.Deadline) {
			next.RunAt = next.Deadline
		}
	} else {
		if !job.Periodic() {
			s.remove(ctx, job)
			return
		}
		next.Attempt = 0
		next.RunAt = s.now().Add(job.Interval)
	}

	kept, rerr := s.store.Reschedule(ctx, next)
	if rerr != nil {
		zap.L().Error("Failed to reschedule job", zap.String("job_id", job.Id), zap.Error(rerr))
		return
	}
	if !kept {
		zap.L().Debug("Job cancelled while running", zap.String("job_id", job.Id))
	}
}

func (s *Scheduler) invoke(ctx context.Context, h Handler, job Job) (err error) {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	taskCtx = models.WithJobContext(taskCtx, &models.JobContext{
		JobId:    job.Id,
		Name:     job.Name,
		Arg:      job.Arg,
		Attempt:  job.Attempt,
		Deadline: job.Deadline,
	})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", job.Id, r)
		}
	}()
	return h(taskCtx, job.Arg)
}

func (s *Scheduler) remove(ctx context.Context, job Job) {
	if err := s.store.Remove(ctx, job.Id); err != nil && !errors.Is(err, ErrJobNotFound) {
		zap.L().Error("Failed to remove job", zap.String("job_id", job.Id), zap.Error(err))
	}
}

// retryDelay is the jittered exponential delay before the given attempt.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.InitialBackoff),
		backoff.WithMaxInterval(s.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
