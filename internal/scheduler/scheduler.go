// Package scheduler runs named periodic tasks under one supervisor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/metrics"
)

// Task is one periodic job. Each run waits Interval plus a random delay of
// up to Jitter after the previous run finished.
type Task struct {
	Name           string
	Interval       time.Duration
	Jitter         time.Duration
	RunImmediately bool
	Fn             func(ctx context.Context) error
}

type Supervisor struct {
	tasks  []Task
	jitter func(limit time.Duration) time.Duration
	logger *logger.Logger
}

func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{
		jitter: func(limit time.Duration) time.Duration { return rand.N(limit) },
		logger: log,
	}
}

func (s *Supervisor) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run starts every task in its own goroutine and blocks until ctx is done.
// A failing or panicking run is logged and the task keeps its schedule.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return errors.New("no tasks")
	}
	seen := make(map[string]bool, len(s.tasks))
	for _, t := range s.tasks {
		switch {
		case t.Name == "":
			return errors.New("task without name")
		case seen[t.Name]:
			return fmt.Errorf("duplicate task %q", t.Name)
		case t.Interval <= 0:
			return fmt.Errorf("task %q: interval must be positive", t.Name)
		case t.Fn == nil:
			return fmt.Errorf("task %q: no function", t.Name)
		}
		seen[t.Name] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) loop(ctx context.Context, t Task) {
	s.logger.Info("task started", "task", t.Name, "interval", t.Interval.String())

	if t.RunImmediately {
		s.runOnce(ctx, t)
	}

	timer := time.NewTimer(s.next(t))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("task stopped", "task", t.Name)
			return
		case <-timer.C:
			s.runOnce(ctx, t)
			timer.Reset(s.next(t))
		}
	}
}

func (s *Supervisor) next(t Task) time.Duration {
	if t.Jitter <= 0 {
		return t.Interval
	}
	return t.Interval + s.jitter(t.Jitter)
}

func (s *Supervisor) runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			s.logger.Error("panic in task", "task", t.Name, "panic", fmt.Sprint(r))
		}
		metrics.TaskRuns.WithLabelValues(t.Name, result).Inc()
	}()

	if err := t.Fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		result = "error"
		s.logger.Error("task failed", "task", t.Name, "error", err, "duration", time.Since(start).String())
		return
	}
	s.logger.Debug("task done", "task", t.Name, "duration", time.Since(start).String())
}
