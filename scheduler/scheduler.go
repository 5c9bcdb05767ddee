package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is a periodic task. ctx is cancelled when the task is removed or the scheduler stops.
type TaskFn func(ctx context.Context)

// Scheduler runs named periodic tasks. A task never overlaps with itself:
// ticks that arrive while it is still running are dropped.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]context.CancelFunc
	root    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:   make(map[string]context.CancelFunc),
		root:    root,
		stopAll: cancel,
		logger:  logger,
	}
}

// AddTicker registers a task to run on a fixed interval.
// If a task with the same name exists, it is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root.Err() != nil {
		return
	}
	if old, ok := s.tasks[name]; ok {
		old()
	}
	ctx, cancel := context.WithCancel(s.root)
	s.tasks[name] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx, name, fn)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

func (s *Scheduler) runOnce(ctx context.Context, name string, fn TaskFn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", name),
				zap.Any("recover", r))
		}
	}()
	fn(ctx)
}

// Remove stops a task by name. A run already in progress sees its ctx cancelled.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.tasks[name]; ok {
		cancel()
		delete(s.tasks, name)
	}
}

// Stop cancels every task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopAll()
	clear(s.tasks)
	s.mu.Unlock()
	s.wg.Wait()
}

// ListTickers returns the sorted names of all registered tasks.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
