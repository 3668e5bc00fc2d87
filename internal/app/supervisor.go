package app

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Task is one named background loop. Run blocks until its context is
// cancelled; a non-nil return other than context.Canceled is logged.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor starts tasks in registration order and stops them in
// reverse, waiting up to StopTimeout per task.
type Supervisor struct {
	tasks       []Task
	stopTimeout time.Duration
	logger      *slog.Logger
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor(stopTimeout time.Duration, logger *slog.Logger) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{stopTimeout: stopTimeout, logger: logger}
}

// Add registers a task. Order matters: dependencies first.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

type runningTask struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Run starts every task, blocks until ctx is cancelled, then shuts the
// tasks down in reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	started := make([]runningTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func(t Task) {
			defer close(done)
			if err := t.Run(tctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("background task exited", slog.String("task", t.Name), slog.Any("error", err))
			}
		}(t)
		started = append(started, runningTask{name: t.Name, cancel: cancel, done: done})
		s.logger.Info("task started", slog.String("task", t.Name))
	}

	<-ctx.Done()

	for i := len(started) - 1; i >= 0; i-- {
		rt := started[i]
		rt.cancel()
		select {
		case <-rt.done:
			s.logger.Info("task stopped", slog.String("task", rt.name))
		case <-time.After(s.stopTimeout):
			s.logger.Warn("task did not stop in time", slog.String("task", rt.name))
		}
	}
	return nil
}
