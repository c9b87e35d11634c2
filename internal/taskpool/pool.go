// Package taskpool runs deferred work from a named FIFO kept in the store
package taskpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/google/uuid"
)

// ErrUnknownFunc is returned for a task naming an unregistered function
var ErrUnknownFunc = errors.New("unknown task function")

// Task is one queued call
type Task struct {
	ID       string                     `json:"id"`
	FuncName string                     `json:"func_name"`
	Args     []json.RawMessage          `json:"args"`
	Kwargs   map[string]json.RawMessage `json:"kwargs"`
}

// Kwarg decodes the keyword argument name into dest; a missing argument
// leaves dest untouched.
func (t Task) Kwarg(name string, dest interface{}) error {
	raw, ok := t.Kwargs[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("task %s kwarg %s: %w", t.FuncName, name, err)
	}
	return nil
}

// Func executes a task
type Func func(ctx context.Context, task Task) error

// Queue is the storage of the FIFO
type Queue interface {
	PushTask(ctx context.Context, queue string, record []byte) error
	PopTask(ctx context.Context, queue string) ([]byte, error)
}

// Config configures the pool
type Config struct {
	Name      string
	Workers   int
	SleepTime time.Duration
}

// Pool dequeues tasks with a fixed number of workers
type Pool struct {
	cfg     Config
	queue   Queue
	logger  observability.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	funcs map[string]Func

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a task pool
func New(cfg Config, queue Queue, logger observability.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SleepTime <= 0 {
		cfg.SleepTime = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "task-pool"
	}
	return &Pool{
		cfg:     cfg,
		queue:   queue,
		logger:  logger.WithPrefix("task-pool"),
		metrics: m,
		funcs:   make(map[string]Func),
	}
}

// Register binds name to fn in the process-local registry
func (p *Pool) Register(name string, fn Func) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funcs[name] = fn
}

// Enqueue appends a call to the FIFO and returns its id
func (p *Pool) Enqueue(ctx context.Context, funcName string, args []interface{}, kwargs map[string]interface{}) (string, error) {
	task := Task{ID: uuid.NewString(), FuncName: funcName, Kwargs: make(map[string]json.RawMessage, len(kwargs))}
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode task arg: %w", err)
		}
		task.Args = append(task.Args, raw)
	}
	for k, v := range kwargs {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode task kwarg %s: %w", k, err)
		}
		task.Kwargs[k] = raw
	}

	record, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := p.queue.PushTask(ctx, p.cfg.Name, record); err != nil {
		return "", err
	}

	p.logger.Debug("Task enqueued", map[string]interface{}{"task_id": task.ID, "func_name": funcName})
	return task.ID, nil
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("Task pool started", map[string]interface{}{
		"queue":   p.cfg.Name,
		"workers": p.cfg.Workers,
	})
}

// Stop signals the workers and waits for the running tasks
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		ran, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("Task pool worker error", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.SleepTime):
		}
	}
}

// RunOnce dequeues and executes a single task. It reports whether a task
// was taken from the queue.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	record, err := p.queue.PopTask(ctx, p.cfg.Name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var task Task
	if err := json.Unmarshal(record, &task); err != nil {
		p.record("invalid", "error")
		return true, fmt.Errorf("decode task: %w", err)
	}

	p.mu.RLock()
	fn, ok := p.funcs[task.FuncName]
	p.mu.RUnlock()
	if !ok {
		p.record(task.FuncName, "unknown")
		return true, fmt.Errorf("%w: %s", ErrUnknownFunc, task.FuncName)
	}

	started := time.Now()
	if err := fn(ctx, task); err != nil {
		p.record(task.FuncName, "error")
		return true, fmt.Errorf("task %s (%s): %w", task.ID, task.FuncName, err)
	}

	p.record(task.FuncName, "success")
	p.logger.Debug("Task executed", map[string]interface{}{
		"task_id":     task.ID,
		"func_name":   task.FuncName,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return true, nil
}

func (p *Pool) record(funcName, result string) {
	if p.metrics != nil {
		p.metrics.TaskExecutions.WithLabelValues(funcName, result).Inc()
	}
}
