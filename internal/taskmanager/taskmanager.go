package taskmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"adventure-server/internal/interfaces"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// ErrTooManyTasks is returned when the active task limit is reached.
	ErrTooManyTasks = errors.New("maximum number of active tasks exceeded")
	// ErrClosed is returned by Submit after Shutdown or Close.
	ErrClosed = errors.New("task manager is shutting down")
)

var (
	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_background_tasks_processed_total",
			Help: "Background tasks processed, by task name and status.",
		},
		[]string{"task", "status"},
	)
	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_background_task_duration_seconds",
			Help:    "Duration of background tasks.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"task"},
	)
	tasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adventure_background_tasks_active",
		Help: "Number of background tasks currently running.",
	})
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is a running background job.
type Task struct {
	ID        uuid.UUID
	Name      string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// TaskFunc is the body of a task. Its context is detached from the submitter.
type TaskFunc func(ctx context.Context) error

// Config holds the TaskManager settings.
type Config struct {
	MaxTasks    int
	TaskTimeout time.Duration // zero means no timeout
}

// TaskManager runs tracked goroutines so shutdown can wait for them.
type TaskManager struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*Task
	maxTasks int
	timeout  time.Duration
	closed   bool
	wg       sync.WaitGroup
	logger   *zap.Logger
}

var _ interfaces.TaskRunner = (*TaskManager)(nil)

// New creates a TaskManager.
func New(cfg Config, logger *zap.Logger) *TaskManager {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10
	}
	return &TaskManager{
		tasks:    make(map[uuid.UUID]*Task),
		maxTasks: maxTasks,
		timeout:  cfg.TaskTimeout,
		logger:   logger.Named("TaskManager"),
	}
}

// Submit starts fn in its own goroutine.
func (tm *TaskManager) Submit(name string, fn func(ctx context.Context) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return ErrClosed
	}
	if len(tm.tasks) >= tm.maxTasks {
		tm.logger.Warn("Task rejected, limit reached", zap.String("task", name), zap.Int("maxTasks", tm.maxTasks))
		return ErrTooManyTasks
	}

	// the request that submitted the task may end long before it does
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if tm.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), tm.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	task := &Task{ID: uuid.New(), Name: name, StartedAt: time.Now(), cancel: cancel}
	tm.tasks[task.ID] = task
	tasksActive.Inc()

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer cancel()
		tm.run(ctx, task, fn)
	}()
	return nil
}

func (tm *TaskManager) run(ctx context.Context, task *Task, fn TaskFunc) {
	log := tm.logger.With(zap.String("taskID", task.ID.String()), zap.String("task", task.Name))
	log.Debug("Task started")

	err := fn(ctx)

	status := TaskStatusCompleted
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status = TaskStatusCancelled
		log.Info("Task cancelled")
	case err != nil:
		status = TaskStatusFailed
		log.Error("Task failed", zap.Error(err))
	default:
		log.Debug("Task completed")
	}

	tm.mu.Lock()
	delete(tm.tasks, task.ID)
	tm.mu.Unlock()

	tasksActive.Dec()
	tasksProcessed.WithLabelValues(task.Name, string(status)).Inc()
	taskDuration.WithLabelValues(task.Name).Observe(time.Since(task.StartedAt).Seconds())
}

// Active returns the number of running tasks.
func (tm *TaskManager) Active() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.tasks)
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	tm.closed = true
	tm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		tm.logger.Warn("Shutdown deadline reached, cancelling remaining tasks", zap.Int("active", tm.Active()))
		tm.Close()
		return errors.New("timed out waiting for background tasks")
	}
}

// Close cancels every running task and waits for them to return.
func (tm *TaskManager) Close() {
	tm.mu.Lock()
	tm.closed = true
	for _, task := range tm.tasks {
		task.cancel()
	}
	tm.mu.Unlock()

	tm.wg.Wait()
}
