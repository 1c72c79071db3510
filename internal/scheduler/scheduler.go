// Package scheduler runs periodic jobs for the serve process: resyncing the
// fleet's rulesets and pruning apply history.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/fleetwall/internal/clock"
	"grimm.is/fleetwall/internal/logging"
)

// TaskFunc performs a scheduled task. ctx is cancelled when the scheduler
// stops or the task's timeout passes.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

type taskEntry struct {
	task   *Task
	status TaskStatus
}

// Scheduler runs tasks on their schedules. A task never overlaps itself: a
// run that is still going when the next one is due delays it.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*taskEntry
	tick   time.Duration
	logger *logging.Logger
}

// New creates a new scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.WithComponent("scheduler")
	}
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		tick:   time.Second,
		logger: logger,
	}
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	switch {
	case task.ID == "":
		return fmt.Errorf("task ID is required")
	case task.Schedule == nil:
		return fmt.Errorf("task %s: schedule is required", task.ID)
	case task.Func == nil:
		return fmt.Errorf("task %s: function is required", task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = &taskEntry{
		task:   task,
		status: TaskStatus{ID: task.ID, Name: task.Name, NextRun: task.Schedule.Next(clock.Now())},
	}
	s.logger.Debug("task added", "id", task.ID)
	return nil
}

// Status returns the status of all tasks, sorted by ID.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run executes tasks until ctx is done, then waits for running tasks.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	s.mu.Lock()
	for _, e := range s.tasks {
		if e.task.RunOnStart {
			s.launch(ctx, &wg, e)
		}
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx, &wg, clock.Now())
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context, wg *sync.WaitGroup, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.status.Running || e.status.NextRun.IsZero() || now.Before(e.status.NextRun) {
			continue
		}
		s.launch(ctx, wg, e)
	}
}

// launch starts e. Callers hold s.mu.
func (s *Scheduler) launch(ctx context.Context, wg *sync.WaitGroup, e *taskEntry) {
	e.status.Running = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.execute(ctx, e)
	}()
}

func (s *Scheduler) execute(ctx context.Context, e *taskEntry) {
	task := e.task
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := clock.Now()
	err := task.Func(ctx)
	duration := clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.status.Running = false
	e.status.LastRun = start
	e.status.LastDuration = duration
	e.status.RunCount++
	e.status.NextRun = task.Schedule.Next(clock.Now())
	if err != nil {
		e.status.LastError = err.Error()
		e.status.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
		return
	}
	e.status.LastError = ""
	s.logger.Debug("task completed", "id", task.ID, "duration", duration)
}
