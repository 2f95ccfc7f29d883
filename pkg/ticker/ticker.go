// Package ticker runs named periodic tasks on the leader
package ticker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/observability"
)

var (
	// ErrPanic is returned when a task panicked
	ErrPanic = errors.New("task panicked")
	// ErrUnknownTask is returned when triggering a task that is not registered
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask is returned when two tasks share a name
	ErrDuplicateTask = errors.New("duplicate task name")
)

// DefaultResolution is how often schedules are checked
const DefaultResolution = time.Second

// Func is the body of a periodic task
type Func func(ctx context.Context) error

// Task is a named periodic task
type Task struct {
	// Name identifies the task (e.g. "sweep")
	Name string
	// Schedule is a cron expression (e.g. "@every 1s")
	Schedule string
	// Run is invoked whenever the task is due
	Run Func

	interval time.Duration
	nextRun  *time.Time
}

// Ticker runs tasks whenever their schedule elapses
type Ticker interface {
	// Start blocks running tasks until the context is canceled or Stop is called
	Start(ctx context.Context) error
	// Stop ends the loop started by Start
	Stop() error
	// RunNow runs a task immediately and records it as run
	RunNow(ctx context.Context, name string) error
}

type tickerImpl struct {
	log        logrus.FieldLogger
	tracker    Tracker
	resolution time.Duration

	tasks   []Task
	tasksMu sync.RWMutex // protects nextRun

	done     chan struct{}
	stopOnce sync.Once
}

// New validates the schedules and creates a ticker
func New(log logrus.FieldLogger, tracker Tracker, resolution time.Duration, tasks []Task) (Ticker, error) {
	if resolution <= 0 {
		resolution = DefaultResolution
	}

	seen := make(map[string]struct{}, len(tasks))
	parsed := make([]Task, 0, len(tasks))

	for _, task := range tasks {
		if _, ok := seen[task.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.Name)
		}

		seen[task.Name] = struct{}{}

		interval, err := ParseScheduleInterval(task.Schedule)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, err)
		}

		task.interval = interval
		parsed = append(parsed, task)
	}

	return &tickerImpl{
		log:        log.WithField("component", "ticker"),
		tracker:    tracker,
		resolution: resolution,
		tasks:      parsed,
		done:       make(chan struct{}),
	}, nil
}

func (t *tickerImpl) Start(ctx context.Context) error {
	t.log.WithField("tasks", len(t.tasks)).Info("Starting ticker")

	ticker := time.NewTicker(t.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Ticker context canceled, stopping")
			return ctx.Err()
		case <-t.done:
			t.log.Info("Ticker stopped via Stop()")
			return nil
		case <-ticker.C:
			t.checkSchedules(ctx)
		}
	}
}

func (t *tickerImpl) checkSchedules(ctx context.Context) {
	now := time.Now().UTC()

	for i := range t.tasks {
		task := &t.tasks[i]

		// Fast path: skip without a Redis call if the task is clearly not due.
		t.tasksMu.RLock()
		cachedNextRun := task.nextRun
		t.tasksMu.RUnlock()

		if cachedNextRun != nil && now.Before(*cachedNextRun) {
			continue
		}

		lastRun, err := t.tracker.GetLastRun(ctx, task.Name)
		if err != nil {
			t.log.WithError(err).WithField("task_id", task.Name).Warn("Failed to get last run, will retry next tick")
			continue
		}

		nextRun := lastRun.Add(task.interval)

		t.tasksMu.Lock()
		task.nextRun = &nextRun
		t.tasksMu.Unlock()

		if now.Before(nextRun) {
			continue
		}

		t.runTask(ctx, task, now)
	}
}

// runTask runs one task and records it; failures are logged and never stop the loop
func (t *tickerImpl) runTask(ctx context.Context, task *Task, now time.Time) {
	start := time.Now()

	status := "success"
	if err := t.safeRun(ctx, task); err != nil {
		status = "failed"

		t.log.WithError(err).WithField("task_id", task.Name).Error("Periodic task failed")
	}

	observability.RecordTick(task.Name, status, time.Since(start).Seconds())

	if err := t.tracker.SetLastRun(ctx, task.Name, now); err != nil {
		t.log.WithError(err).WithField("task_id", task.Name).Warn("Failed to update last run timestamp")
	}

	updatedNextRun := now.Add(task.interval)

	t.tasksMu.Lock()
	task.nextRun = &updatedNextRun
	t.tasksMu.Unlock()
}

func (t *tickerImpl) safeRun(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithFields(logrus.Fields{
				"task_id": task.Name,
				"panic":   r,
				"stack":   string(debug.Stack()),
			}).Error("Recovered from panic in periodic task")

			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return task.Run(ctx)
}

func (t *tickerImpl) RunNow(ctx context.Context, name string) error {
	for i := range t.tasks {
		if t.tasks[i].Name == name {
			t.runTask(ctx, &t.tasks[i], time.Now().UTC())
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

func (t *tickerImpl) Stop() error {
	t.stopOnce.Do(func() {
		t.log.Info("Stopping ticker")
		close(t.done)
	})

	return nil
}

// ParseScheduleInterval converts a cron schedule string to a duration.
// "@every" schedules yield their duration; other expressions yield the gap
// between their next two activations.
func ParseScheduleInterval(schedule string) (time.Duration, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	sched, err := parser.Parse(schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule format: %w", err)
	}

	// cron rounds @every to whole seconds, so parse the duration ourselves
	if durationStr, ok := strings.CutPrefix(schedule, "@every "); ok {
		duration, err := time.ParseDuration(strings.TrimSpace(durationStr))
		if err != nil {
			return 0, fmt.Errorf("failed to parse @every duration: %w", err)
		}

		return duration, nil
	}

	now := time.Now()
	next1 := sched.Next(now)
	next2 := sched.Next(next1)

	return next2.Sub(next1), nil
}

var _ Ticker = (*tickerImpl)(nil)
