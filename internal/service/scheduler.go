package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned when scheduling on a stopped scheduler.
var ErrSchedulerStopped = errors.New("scheduler stopped")

type scheduledTask struct {
	timer *time.Timer
	due   time.Time
	gen   uint64
}

// Scheduler runs at most one delayed task per key. Scheduling a key again
// replaces its pending task.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*scheduledTask
	gen     uint64
	stopped bool
	running sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a running scheduler. Tasks receive a context that is
// canceled by Stop.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*scheduledTask),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule runs fn after delay under key, replacing any pending task for
// the key. A non-positive delay fires immediately on its own goroutine.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func(ctx context.Context)) error {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen
	task := &scheduledTask{due: time.Now().Add(delay), gen: gen}
	task.timer = time.AfterFunc(delay, func() { s.fire(key, gen, fn) })
	s.tasks[key] = task
	return nil
}

func (s *Scheduler) fire(key string, gen uint64, fn func(ctx context.Context)) {
	s.mu.Lock()
	task, ok := s.tasks[key]
	if !ok || task.gen != gen || s.stopped {
		// replaced or canceled after the timer had already fired
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduled task panicked", "key", key, "panic", r)
		}
	}()
	fn(s.ctx)
}

// Cancel drops the pending task for key and reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending returns when the task for key is due.
func (s *Scheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return task.due, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for key, task := range s.tasks {
		task.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
