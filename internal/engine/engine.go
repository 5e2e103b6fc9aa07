// Package engine runs the worker pool that drains the task queue. Each
// worker claims one task at a time, so total in-flight work is bounded by
// WorkerCount; a crashed or panicking processor never loses a task because
// terminal status writes are guaranteed by defer and abandoned leases are
// reaped back to PENDING.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
	"github.com/petro1eum/TrustChain-Agent/internal/trustchain"
)

type Config struct {
	WorkerCount   int
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	MaxQueueDepth int // 0 = unlimited
	Bus           *bus.Bus
	Chain         *trustchain.Chain
}

// Result is a processor's typed outcome. Status must be SUCCESS or FAILED;
// processors report failure through it (or an error), never by panicking.
type Result struct {
	Status persistence.TaskStatus `json:"status"`
	Output string                 `json:"output"`
}

type Processor interface {
	Process(ctx context.Context, task persistence.Task) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, task persistence.Task) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, task persistence.Task) (Result, error) {
	return f(ctx, task)
}

type taskPayload struct {
	Instruction string `json:"instruction"`
}

// EchoProcessor marks every task successful with its instruction echoed
// back. It is the default when no real executor is configured.
type EchoProcessor struct{}

func (EchoProcessor) Process(_ context.Context, task persistence.Task) (Result, error) {
	var payload taskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Result{}, fmt.Errorf("decode payload: %w", err)
	}
	out, err := json.Marshal(map[string]string{"echo": payload.Instruction})
	if err != nil {
		return Result{}, fmt.Errorf("encode result: %w", err)
	}
	return Result{Status: persistence.TaskStatusSuccess, Output: string(out)}, nil
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

type Engine struct {
	store  *persistence.Store
	proc   Processor
	config Config
	bus    *bus.Bus
	chain  *trustchain.Chain

	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(store *persistence.Store, proc Processor, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if proc == nil {
		proc = EchoProcessor{}
	}
	return &Engine{
		store:  store,
		proc:   proc,
		config: cfg,
		bus:    cfg.Bus,
		chain:  cfg.Chain,
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, recErr := e.store.RecoverRunningTasks(ctx)
		if recErr != nil {
			slog.Error("task recovery failed", "error", recErr)
		} else if n > 0 {
			slog.Info("recovered stale tasks on startup", "count", n)
		}
		for i := 0; i < e.config.WorkerCount; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx)
			}()
		}
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain gracefully stops the engine: waits for active tasks to finish within
// the given timeout. Tasks still in flight after the timeout keep their
// leases and are recovered to PENDING on next startup.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("engine drained cleanly")
	case <-time.After(timeout):
		slog.Warn("engine drain timeout; in-flight tasks recover via lease expiry", "timeout", timeout)
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := e.store.RequeueExpiredLeases(ctx); err != nil {
			e.setLastError(fmt.Errorf("requeue expired leases: %w", err))
		}

		task, err := e.store.ClaimNextPending(ctx)
		if err != nil {
			e.setLastError(err)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		e.handleTask(ctx, *task)
	}
}

func (e *Engine) handleTask(ctx context.Context, task persistence.Task) {
	slog.Info("task processing", "task_id", task.ID, "slug", task.Slug, "attempt", task.Attempt)
	startedAt := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)
	defer cancel()

	// A panicking processor must still release the slot and leave the task
	// terminal; anything else would strand it RUNNING until lease expiry.
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("processor panic: %v\n%s", r, debug.Stack())
			slog.Error("task processor panicked", "task_id", task.ID, "panic", r)
			if err := e.store.FailTask(context.Background(), task.ID, msg); err != nil {
				e.setLastError(fmt.Errorf("fail panicked task: %w", err))
			}
			e.signDispatch(task, string(persistence.TaskStatusFailed), time.Since(startedAt))
		}
	}()

	// Renew the lease while the processor runs so the reaper never steals a
	// live task.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				ok, err := e.store.HeartbeatLease(context.Background(), task.ID, task.LeaseOwner)
				if err != nil {
					e.setLastError(fmt.Errorf("lease heartbeat: %w", err))
					continue
				}
				if !ok {
					e.setLastError(fmt.Errorf("lease heartbeat rejected for task %s", task.ID))
				}
			}
		}
	}()

	result, err := e.proc.Process(taskCtx, task)
	latency := time.Since(startedAt)

	if err != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("task timeout exceeded: %w", taskCtx.Err())
		} else if errors.Is(taskCtx.Err(), context.Canceled) {
			// Shutdown mid-task: leave it RUNNING, the lease brings it back.
			return
		}
		e.setLastError(err)
		if failErr := e.store.FailTask(context.Background(), task.ID, err.Error()); failErr != nil {
			e.setLastError(failErr)
			return
		}
		e.signDispatch(task, string(persistence.TaskStatusFailed), latency)
		return
	}

	// Never write a success result once the context has ended.
	if taskCtx.Err() != nil {
		if errors.Is(taskCtx.Err(), context.Canceled) {
			return
		}
		err = fmt.Errorf("skip complete after context end: %w", taskCtx.Err())
		e.setLastError(err)
		if failErr := e.store.FailTask(context.Background(), task.ID, err.Error()); failErr != nil {
			e.setLastError(failErr)
			return
		}
		e.signDispatch(task, string(persistence.TaskStatusFailed), latency)
		return
	}

	switch result.Status {
	case persistence.TaskStatusFailed:
		if failErr := e.store.FailTask(context.Background(), task.ID, result.Output); failErr != nil {
			e.setLastError(failErr)
			return
		}
	default:
		if compErr := e.store.CompleteTask(context.Background(), task.ID, result.Output); compErr != nil {
			e.setLastError(compErr)
			return
		}
		result.Status = persistence.TaskStatusSuccess
	}
	e.signDispatch(task, string(result.Status), latency)
}

// signDispatch records the terminal transition on the audit chain.
// Best-effort: a signing failure is logged, never bounced into the task.
func (e *Engine) signDispatch(task persistence.Task, status string, latency time.Duration) {
	if e.chain == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"task_id": task.ID,
		"slug":    task.Slug,
		"status":  status,
		"attempt": task.Attempt,
	})
	if err != nil {
		return
	}
	if _, err := e.chain.Sign(context.Background(), "task_dispatch", string(data), latency.Milliseconds()); err != nil {
		slog.Error("chain sign failed", "task_id", task.ID, "error", err)
		e.setLastError(fmt.Errorf("sign dispatch: %w", err))
	}
}

// ErrQueueSaturated is returned when the queue exceeds MaxQueueDepth.
var ErrQueueSaturated = fmt.Errorf("queue saturated: backpressure applied")

// Submit enqueues a task, applying intake backpressure when the queue is
// saturated.
func (e *Engine) Submit(ctx context.Context, slug, payload string) (string, error) {
	if e.config.MaxQueueDepth > 0 {
		depth, err := e.store.QueueDepth(ctx)
		if err != nil {
			return "", fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= e.config.MaxQueueDepth {
			slog.Warn("queue backpressure applied", "depth", depth, "max", e.config.MaxQueueDepth)
			return "", ErrQueueSaturated
		}
	}
	return e.store.Enqueue(ctx, slug, payload)
}

// Bus returns the event bus, or nil if not configured.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

func (e *Engine) Status() Status {
	status := Status{
		WorkerCount: e.config.WorkerCount,
		ActiveTasks: e.activeTasks.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
