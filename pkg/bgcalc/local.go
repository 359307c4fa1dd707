package bgcalc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

// Defaults for LocalConfig.
const (
	DefaultMaxWorkers   = 4
	DefaultKeepFinished = 1024
)

// LocalConfig configures a LocalApp.
type LocalConfig struct {
	// MaxWorkers bounds the number of concurrently running tasks.
	MaxWorkers int64
	// KeepFinished is the number of finished task records retained for lookups.
	KeepFinished int
	Logger       *slog.Logger
}

type localTask struct {
	record TaskRecord
	cancel context.CancelFunc
	done   chan struct{}
}

// LocalApp runs registered tasks as goroutines of the current process.
type LocalApp struct {
	logger *slog.Logger
	sem    *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	funcs    map[string]TaskFunc
	active   map[string]*localTask
	finished *lru.Cache[string, TaskRecord]
	closed   bool
}

// NewLocalApp creates an app with no registered tasks.
func NewLocalApp(cfg LocalConfig) (*LocalApp, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	if cfg.KeepFinished <= 0 {
		cfg.KeepFinished = DefaultKeepFinished
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	finished, err := lru.New[string, TaskRecord](cfg.KeepFinished)
	if err != nil {
		return nil, fmt.Errorf("create task record cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LocalApp{
		logger:     logger,
		sem:        semaphore.NewWeighted(cfg.MaxWorkers),
		baseCtx:    ctx,
		cancelBase: cancel,
		funcs:      map[string]TaskFunc{},
		active:     map[string]*localTask{},
		finished:   finished,
	}, nil
}

// Register binds a task name to its body.
func (a *LocalApp) Register(name string, fn TaskFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.funcs[name] = fn
}

// SendTask starts the named task. The task outlives ctx; use Revoke to stop it.
func (a *LocalApp) SendTask(_ context.Context, name string, args any) (Result, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode task args: %w", err)
	}

	res, err := a.Submit(name, payload)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Submit starts the named task with pre-encoded arguments.
func (a *LocalApp) Submit(name string, payload json.RawMessage) (*LocalResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	fn, ok := a.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	now := time.Now().Unix()
	ctx, cancel := context.WithCancel(a.baseCtx)
	task := &localTask{
		record: TaskRecord{
			TaskID:  uuid.NewString(),
			Fn:      name,
			Status:  StatusPending,
			Created: now,
			Updated: now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	a.active[task.record.TaskID] = task
	a.wg.Add(1)

	go a.run(ctx, task, fn, payload)

	return &LocalResult{app: a, id: task.record.TaskID, done: task.done}, nil
}

func (a *LocalApp) run(ctx context.Context, task *localTask, fn TaskFunc, payload json.RawMessage) {
	defer a.wg.Done()
	defer close(task.done)
	defer task.cancel()

	id := task.record.TaskID

	err := a.sem.Acquire(ctx, 1)
	if err != nil {
		a.finish(id, nil, fmt.Errorf("task cancelled before start: %w", err))

		return
	}
	defer a.sem.Release(1)

	a.setStatus(id, StatusRunning)

	result, err := a.call(ctx, id, fn, payload)
	a.finish(id, result, err)
}

func (a *LocalApp) call(ctx context.Context, id string, fn TaskFunc, payload json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorContext(ctx, "task panicked", "task_id", id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return fn(ctx, id, payload)
}

func (a *LocalApp) setStatus(id string, status TaskStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if task, ok := a.active[id]; ok {
		task.record.Status = status
		task.record.Updated = time.Now().Unix()
	}
}

func (a *LocalApp) finish(id string, result any, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task, ok := a.active[id]
	if !ok {
		return
	}

	delete(a.active, id)

	rec := task.record
	rec.Status = StatusDone
	rec.Updated = time.Now().Unix()

	if err != nil {
		rec.Error = err.Error()
	} else if result != nil {
		encoded, encErr := json.Marshal(result)
		if encErr != nil {
			rec.Error = fmt.Sprintf("encode task result: %v", encErr)
		} else {
			rec.Result = encoded
		}
	}

	a.finished.Add(id, rec)
}

// Record returns the current record of a task.
func (a *LocalApp) Record(id string) (TaskRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if task, ok := a.active[id]; ok {
		return task.record, true
	}

	return a.finished.Get(id)
}

// Running returns the number of tasks not yet done.
func (a *LocalApp) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.active)
}

// Revoke cancels the task context. Signals are not delivered to goroutines,
// so terminate and signal only affect logging.
func (a *LocalApp) Revoke(ctx context.Context, taskID string, terminate bool, signal string) error {
	a.mu.Lock()
	task, ok := a.active[taskID]
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	a.logger.InfoContext(ctx, "revoking task", "task_id", taskID, "terminate", terminate, "signal", signal)
	task.cancel()

	return nil
}

// Close cancels all tasks and waits for them to return or for ctx to end.
func (a *LocalApp) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.cancelBase()

	done := make(chan struct{})

	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for tasks: %w", ctx.Err())
	}
}

// LocalResult is the handle of an in-process task.
type LocalResult struct {
	app  *LocalApp
	id   string
	done chan struct{}
}

// ID returns the task identifier.
func (r *LocalResult) ID() string { return r.id }

// Get waits for the task to finish.
func (r *LocalResult) Get(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}

	rec, ok := r.app.Record(r.id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, r.id)
	}

	err := recordError(rec)
	if err != nil {
		return nil, err
	}

	return rec.Result, nil
}
