// Package scheduler runs recurring background tasks on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rewired-gh/papertrade/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Task is one recurring job. It runs once immediately, then once per Interval.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the run is bounded only by shutdown.
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// OnFailure is called on the first failure of a streak.
	OnFailure func(err error)
	// OnRecovery is called on the first success after a streak of failures.
	OnRecovery func(failures int)
}

type Scheduler struct {
	clock clock.Clock
	tasks []Task
}

func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clock: clk}
}

// Add registers a task. Tasks added after Run starts are ignored.
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run executes every task concurrently until ctx is cancelled. Task errors
// and panics are logged and never stop the task.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, t := range s.tasks {
		if t.Interval <= 0 {
			return fmt.Errorf("task %q: interval must be positive", t.Name)
		}
		if t.Run == nil {
			return fmt.Errorf("task %q: no run function", t.Name)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := s.clock.Ticker(t.Interval)
	defer ticker.Stop()

	logger.Info("Task %s started (interval: %v)", t.Name, t.Interval)
	failures := 0
	handle := func(err error) {
		if err != nil {
			failures++
			logger.Error("Task %s failed: %v", t.Name, err)
			if failures == 1 && t.OnFailure != nil {
				t.OnFailure(err)
			}
			return
		}
		if failures > 0 {
			logger.Info("Task %s recovered after %d failures", t.Name, failures)
			if t.OnRecovery != nil {
				t.OnRecovery(failures)
			}
		}
		failures = 0
	}

	handle(s.runOnce(ctx, t))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Task %s stopped", t.Name)
			return
		case <-ticker.C:
			logger.Debug("Running task %s", t.Name)
			handle(s.runOnce(ctx, t))
		}
	}
}

// runOnce bounds a run by Timeout on the scheduler's clock, so an injected
// mock clock drives timeouts as well as ticks.
func (s *Scheduler) runOnce(parent context.Context, t Task) (err error) {
	if parent.Err() != nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx := parent
	if t.Timeout > 0 {
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(parent)
		defer cancel(nil)
		timer := s.clock.AfterFunc(t.Timeout, func() {
			cancel(fmt.Errorf("run exceeded %v: %w", t.Timeout, context.DeadlineExceeded))
		})
		defer timer.Stop()
	}
	err = t.Run(ctx)
	if err == nil || ctx.Err() == nil {
		return err
	}
	if parent.Err() != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown, not a failure.
			return nil
		}
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", cause, err)
	}
	return err
}
