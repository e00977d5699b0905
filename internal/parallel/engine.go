package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/metrics"
	"github.com/revoagent/orchestrator/internal/registry"
	"github.com/revoagent/orchestrator/internal/taskqueue"
)

var ErrTimeout = errors.New("timed out awaiting result")

// Handler executes one decomposed sub-task.
type Handler func(ctx context.Context, task *taskqueue.Task) (interface{}, error)

// Config tunes the worker pool.
type Config struct {
	MinWorkers     int           // default 4
	MaxWorkers     int           // default 16
	SampleInterval time.Duration // default 30s
	HighWater      float64       // default 0.8
	LowWater       float64       // default 0.5
	ScaleIncrement int           // default 2
	Capabilities   []string      // declared by pool workers, default ["parallel"]
	Strategy       registry.Strategy
}

func (c *Config) withDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 4
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers * 4
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.HighWater == 0 {
		c.HighWater = 0.8
	}
	if c.LowWater == 0 {
		c.LowWater = 0.5
	}
	if c.ScaleIncrement <= 0 {
		c.ScaleIncrement = 2
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = []string{"parallel"}
	}
}

type poolWorker struct {
	id     string
	tasks  chan *taskqueue.Task
	cancel context.CancelFunc
}

// Engine is the Parallel Mind worker pool. It consumes its own internal
// queue, assigns tasks through the capability registry's selection strategy,
// and auto-scales between MinWorkers and MaxWorkers.
type Engine struct {
	cfg      Config
	queue    *taskqueue.Queue
	registry *registry.Registry
	logger   *zap.Logger

	mu             sync.Mutex
	workers        map[string]*poolWorker
	nextWorker     int
	handlers       map[string]Handler
	defaultHandler Handler

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the engine with its own internal work queue, distinct from the
// shared task queue. The registry is shared so pool workers are observable.
func New(cfg Config, queue *taskqueue.Queue, reg *registry.Registry, logger *zap.Logger) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		queue:    queue,
		registry: reg,
		logger:   logger,
		workers:  make(map[string]*poolWorker),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a task type.
func (e *Engine) RegisterHandler(taskType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

// SetDefaultHandler installs the handler for task types with no explicit binding.
func (e *Engine) SetDefaultHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultHandler = h
}

// Start spawns the minimum worker count, the dispatcher, and the auto-scaler.
func (e *Engine) Start(ctx context.Context) {
	e.rootCtx, e.cancel = context.WithCancel(ctx)
	e.queue.Start(e.rootCtx)
	for i := 0; i < e.cfg.MinWorkers; i++ {
		e.spawnWorker()
	}
	e.wg.Add(2)
	go e.dispatch()
	go e.runScaler()
	e.logger.Info("Parallel Mind engine started",
		zap.Int("min_workers", e.cfg.MinWorkers),
		zap.Int("max_workers", e.cfg.MaxWorkers),
	)
}

// Stop cancels all workers and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit enqueues a sub-task into the engine's internal queue.
func (e *Engine) Submit(t *taskqueue.Task, priority taskqueue.Priority) (string, error) {
	t.Priority = priority
	if len(t.RequiredCapabilities) == 0 {
		t.RequiredCapabilities = e.cfg.Capabilities
	}
	id, err := e.queue.Enqueue(t)
	if errors.Is(err, taskqueue.ErrDuplicateTask) {
		return id, nil // duplicate callers share the original completion
	}
	return id, err
}

// AwaitResult blocks until the task completes or the timeout elapses.
func (e *Engine) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (interface{}, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := e.queue.Wait(waitCtx, taskID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return res, nil
}

// SetWatermarks adjusts the scaler thresholds at runtime (hot-reload knob).
// Non-positive values leave the current threshold untouched.
func (e *Engine) SetWatermarks(high, low float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if high > 0 {
		e.cfg.HighWater = high
	}
	if low > 0 {
		e.cfg.LowWater = low
	}
}

func (e *Engine) watermarks() (high, low float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.HighWater, e.cfg.LowWater
}

// Has reports whether the worker belongs to this pool.
func (e *Engine) Has(workerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.workers[workerID]
	return ok
}

// WorkerCount returns the current pool size.
func (e *Engine) WorkerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// dispatch pulls eligible tasks and hands each to the worker chosen by the
// registry's selection strategy. If no worker is eligible the task stays
// leased briefly and retries; the queue's lease machinery guards against a
// stuck dispatcher.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		task, err := e.queue.Dequeue(e.rootCtx, "pm-dispatcher", e.cfg.Capabilities)
		if err != nil {
			return // context cancelled
		}
		e.assign(task)
	}
}

func (e *Engine) assign(task *taskqueue.Task) {
	for {
		workerID, err := e.registry.FindBest(task.RequiredCapabilities, e.cfg.Strategy)
		if err == nil {
			e.mu.Lock()
			w, ok := e.workers[workerID]
			e.mu.Unlock()
			if ok {
				if err := e.registry.UpdateStatus(workerID, +1); err == nil {
					if e.cfg.Strategy == registry.RoundRobin {
						e.registry.AdvanceRoundRobin()
					}
					task.WorkerID = workerID
					// Move the lease onto the executing worker so a
					// deregister requeues its in-flight work immediately.
					_ = e.queue.Reassign(task.ID, workerID)
					select {
					case w.tasks <- task:
						return
					case <-e.rootCtx.Done():
						return
					}
				}
			}
		}
		// No eligible worker right now; retry until one frees up or we stop.
		select {
		case <-e.rootCtx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (e *Engine) spawnWorker() {
	e.mu.Lock()
	e.nextWorker++
	id := fmt.Sprintf("pm-worker-%03d", e.nextWorker)
	ctx, cancel := context.WithCancel(e.rootCtx)
	w := &poolWorker{id: id, tasks: make(chan *taskqueue.Task, 1), cancel: cancel}
	e.workers[id] = w
	metrics.PoolWorkers.Set(float64(len(e.workers)))
	e.mu.Unlock()

	if err := e.registry.Register(id, e.cfg.Capabilities, 1); err != nil {
		e.logger.Error("Failed to register pool worker", zap.String("worker_id", id), zap.Error(err))
	}

	e.wg.Add(1)
	go e.runWorker(ctx, w)
}

func (e *Engine) runWorker(ctx context.Context, w *poolWorker) {
	defer e.wg.Done()
	defer func() {
		_ = e.registry.Deregister(w.id)
		e.mu.Lock()
		delete(e.workers, w.id)
		metrics.PoolWorkers.Set(float64(len(e.workers)))
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			e.execute(ctx, w, task)
		}
	}
}

// execute runs the task's handler. A handler panic counts as a worker crash:
// the task is nacked and redelivered under the queue's retry policy; the
// engine never retries internally to avoid double-retry.
func (e *Engine) execute(ctx context.Context, w *poolWorker, task *taskqueue.Task) {
	start := time.Now()
	_ = e.queue.MarkRunning(task.ID)

	var result interface{}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker crashed: %v", r)
			}
		}()
		result, err = e.handlerFor(task.Type)(ctx, task)
	}()

	if err != nil {
		_ = e.queue.Nack(task.ID, err)
	} else {
		_ = e.queue.Ack(task.ID, result)
	}
	_ = e.registry.UpdateStatus(w.id, -1)
	_ = e.registry.RecordResult(w.id, err == nil, time.Since(start))
}

func (e *Engine) handlerFor(taskType string) Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handlers[taskType]; ok {
		return h
	}
	if e.defaultHandler != nil {
		return e.defaultHandler
	}
	return func(context.Context, *taskqueue.Task) (interface{}, error) {
		return nil, fmt.Errorf("no handler registered for task type %q", taskType)
	}
}
