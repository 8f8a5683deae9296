package chunk

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fleetnet/errdefs"
)

const (
	// DefaultWorkers bounds the tasks a scheduler runs at once.
	DefaultWorkers = 8
	// DefaultResumeDelay is how long an unwritable channel is left alone.
	DefaultResumeDelay = 50 * time.Millisecond
)

// Task is work run by a Scheduler. Abort is called instead of Run when the
// scheduler shuts down before the task could start.
type Task interface {
	Run()
	Abort(err error)
}

// Scheduler runs tasks on a bounded number of background goroutines, apart
// from any channel's read or write loop.
type Scheduler struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]Task
	wg     sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler running at most workers tasks at once.
func NewScheduler(workers int, opts ...SchedulerOption) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: zap.L(),
		timers: make(map[*time.Timer]Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	defaultScheduler     *Scheduler
	defaultSchedulerOnce sync.Once
)

// DefaultScheduler returns the process wide scheduler used by backpressured
// transfers that name none.
func DefaultScheduler() *Scheduler {
	defaultSchedulerOnce.Do(func() {
		defaultScheduler = NewScheduler(DefaultWorkers)
	})
	return defaultScheduler
}

func (s *Scheduler) shutdownError() error {
	return errdefs.New(errdefs.KindShutdown, "chunk scheduler", nil)
}

// Submit runs t as soon as a worker is free. It fails once the scheduler is
// shut down.
func (s *Scheduler) Submit(t Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.shutdownError()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			t.Abort(errdefs.New(errdefs.KindShutdown, "chunk scheduler", err))
			return
		}
		defer s.sem.Release(1)
		s.run(t)
	}()
	return nil
}

func (s *Scheduler) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("chunk task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			t.Abort(fmt.Errorf("chunk task panicked: %v", r))
		}
	}()
	t.Run()
}

// After submits t once d has passed.
func (s *Scheduler) After(d time.Duration, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.shutdownError()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		if err := s.Submit(t); err != nil {
			t.Abort(err)
		}
	})
	s.timers[timer] = t
	return nil
}

// Shutdown rejects new tasks, aborts delayed and waiting ones and waits for
// running ones until ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timers := s.timers
	s.timers = make(map[*time.Timer]Task)
	s.mu.Unlock()

	s.cancel()
	for timer, t := range timers {
		// a timer that already fired submits, fails and aborts on its own
		if timer.Stop() {
			t.Abort(s.shutdownError())
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
