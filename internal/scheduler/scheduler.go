// Package scheduler runs the hub's named background tasks on fixed intervals.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/observability"
	"github.com/beaconsafe/sentinel/lib/async"
)

// TaskFunc is one scheduled unit of background work.
type TaskFunc func(ctx context.Context) error

// Task pairs a name with its interval and body. Names are unique within a
// scheduler and appear in logs and metrics.
type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc

	inFlight atomic.Bool
}

// Scheduler ticks each registered task on its own interval and executes the
// body on a bounded pool. If a tick fires while the previous run of the same
// task is still in flight, the tick is suppressed rather than queued.
type Scheduler struct {
	tasks   []*Task
	pool    *async.Pool
	wg      conc.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool
}

// New constructs a Scheduler executing on the given pool.
func New(pool *async.Pool) *Scheduler {
	return &Scheduler{pool: pool}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, run TaskFunc) error {
	if s.started.Load() {
		return errs.New("scheduler", errs.CodeConflict, errs.WithMessage("scheduler already started"))
	}
	if name == "" || run == nil {
		return errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("task needs a name and a body"))
	}
	if interval <= 0 {
		return errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("task interval must be >0"))
	}
	for _, existing := range s.tasks {
		if existing.Name == name {
			return errs.New("scheduler", errs.CodeConflict, errs.WithMessage("duplicate task name "+name))
		}
	}
	s.tasks = append(s.tasks, &Task{Name: name, Interval: interval, Run: run})
	return nil
}

// Start launches one ticker goroutine per task. Each task also runs once
// immediately so a fresh boot drains queues without waiting a full interval.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errs.New("scheduler", errs.CodeConflict, errs.WithMessage("scheduler already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, task := range s.tasks {
		task := task
		s.wg.Go(func() {
			s.dispatch(runCtx, task)
			ticker := time.NewTicker(task.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					s.dispatch(runCtx, task)
				}
			}
		})
	}
	return nil
}

// Stop halts tickers and waits for them to exit. In-flight task bodies keep
// running on the pool until the pool itself shuts down.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, task *Task) {
	if !task.inFlight.CompareAndSwap(false, true) {
		observability.Telemetry().IncCounter(observability.MetricSchedulerOverlaps, 1,
			map[string]string{"task": task.Name})
		observability.Log().Debug("tick suppressed, previous run still in flight",
			observability.Field{Key: "task", Value: task.Name})
		return
	}

	err := s.pool.Submit(ctx, task.Name, func(taskCtx context.Context) error {
		defer task.inFlight.Store(false)
		started := time.Now()
		runErr := task.Run(taskCtx)
		observability.Telemetry().ObserveHistogram(observability.MetricTaskDuration,
			time.Since(started).Seconds(), map[string]string{"task": task.Name})
		return runErr
	})
	if err != nil {
		task.inFlight.Store(false)
		observability.Log().Error("task submit rejected",
			observability.Field{Key: "task", Value: task.Name},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
