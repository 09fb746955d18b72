package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/internal/metrics"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("task queue full")
	// ErrStopped is returned by Submit once Run has returned. OnDrop
	// receives it for tasks abandoned by a shutdown.
	ErrStopped = errors.New("scheduler stopped")
)

// Task is one unit of background work. Run is retried with exponential
// backoff; wrap an error with backoff.Permanent to stop retrying.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
	// OnDrop is called once when the task gives up for good.
	OnDrop func(ctx context.Context, err error)
}

// Config configures the worker pool and its retry policy.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

type periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// Scheduler runs submitted tasks on a fixed set of workers and periodic jobs
// on their own tickers.
type Scheduler struct {
	cfg      Config
	queue    chan Task
	periodic []periodic

	mu      sync.RWMutex
	stopped bool
}

// New creates a new scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Scheduler{
		cfg:   cfg,
		queue: make(chan Task, cfg.QueueSize),
	}
}

// Every registers fn to run once when Run starts and then every interval.
// It must be called before Run.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.periodic = append(s.periodic, periodic{name: name, interval: interval, fn: fn})
}

// Submit enqueues t without blocking.
func (s *Scheduler) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("submit task %s: nil run func", t.Name)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return fmt.Errorf("submit task %s: %w", t.Name, ErrStopped)
	}

	select {
	case s.queue <- t:
		metrics.QueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
		return fmt.Errorf("submit task %s: %w", t.Name, ErrQueueFull)
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Run starts workers and periodic jobs. Blocks until ctx is cancelled and
// every worker has returned. Tasks still queued at that point are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}

	for _, p := range s.periodic {
		wg.Add(1)
		go func(p periodic) {
			defer wg.Done()
			s.tick(ctx, p)
		}(p)
	}

	logging.Info().Int("workers", s.cfg.Workers).Int("periodic", len(s.periodic)).
		Msg("scheduler: running")

	<-ctx.Done()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	wg.Wait()
	s.drain(ctx)

	logging.Info().Msg("scheduler: stopped")
	return ctx.Err()
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			metrics.QueueDepth.Set(float64(len(s.queue)))
			s.execute(ctx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, p periodic) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fn(ctx)
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	dropped := 0
	for {
		select {
		case t := <-s.queue:
			dropped++
			if t.OnDrop != nil {
				t.OnDrop(context.WithoutCancel(ctx), ErrStopped)
			}
		default:
			metrics.QueueDepth.Set(0)
			if dropped > 0 {
				logging.Warn().Int("tasks", dropped).Msg("scheduler: dropped pending tasks on shutdown")
			}
			return
		}
	}
}

func (s *Scheduler) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)
}

// execute runs t with at most MaxAttempts attempts.
func (s *Scheduler) execute(ctx context.Context, t Task) {
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
		return t.Run(actx)
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn().Err(err).Str("task", t.Name).Str("task_id", t.ID).
			Int("attempt", attempt).Dur("retry_in", wait).Msg("task attempt failed")
	}

	if err := backoff.RetryNotify(op, s.retryPolicy(ctx), notify); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrStopped, err)
			logging.Warn().Err(err).Str("task", t.Name).Str("task_id", t.ID).
				Int("attempts", attempt).Msg("task abandoned on shutdown")
		} else {
			logging.Error().Err(err).Str("task", t.Name).Str("task_id", t.ID).
				Int("attempts", attempt).Msg("task dropped")
		}
		if t.OnDrop != nil {
			t.OnDrop(context.WithoutCancel(ctx), err)
		}
		return
	}

	logging.Debug().Str("task", t.Name).Str("task_id", t.ID).Int("attempts", attempt).Msg("task done")
}
