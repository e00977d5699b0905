package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/events"
	"github.com/revoagent/orchestrator/internal/metrics"
)

var (
	ErrDuplicateTask    = errors.New("duplicate task within dedup window")
	ErrPermanentFailure = errors.New("task failed permanently")
	ErrUnknownTask      = errors.New("task not found")
	ErrCancelled        = errors.New("task cancelled")
	ErrTimedOut         = errors.New("task deadline exceeded")
)

// Config tunes queue behavior. Zero values take documented defaults.
type Config struct {
	DedupWindow    time.Duration // default 5m
	LeaseTTL       time.Duration // default 2m
	MaxRetries     int           // default 3, applied when a task leaves MaxRetries at 0
	BackoffBase    time.Duration // default 1s
	BackoffCap     time.Duration // default 60s
	AgingThreshold time.Duration // 0 disables priority aging
	SweepInterval  time.Duration // default 1s
}

func (c *Config) withDefaults() {
	if c.DedupWindow == 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
}

type item struct {
	task            *Task
	seq             uint64
	notBefore       time.Time
	boff            *backoff.ExponentialBackOff
	done            chan struct{}
	cancelRequested bool
	timer           *time.Timer
	finishedAt      time.Time // set on entering a terminal state
}

type dedupRec struct {
	taskID string
	at     time.Time
}

// Queue is a priority-ordered, deduplicating task queue with dependency
// gating, lease-based at-most-one dispatch, retry with exponential backoff,
// and a dead-letter list. With a Journal attached, state survives restarts;
// without one it is explicitly non-durable.
type Queue struct {
	mu         sync.Mutex
	cfg        Config
	items      map[string]*item
	dedup      map[string]dedupRec
	deadLetter []*Task
	notifyCh   chan struct{}
	seq        uint64
	journal    Journal
	events     *events.Manager
	logger     *zap.Logger
	startOnce  sync.Once
}

// New creates a queue. journal and ev may be nil.
func New(cfg Config, journal Journal, ev *events.Manager, logger *zap.Logger) *Queue {
	cfg.withDefaults()
	q := &Queue{
		cfg:      cfg,
		items:    make(map[string]*item),
		dedup:    make(map[string]dedupRec),
		notifyCh: make(chan struct{}),
		journal:  journal,
		events:   ev,
		logger:   logger,
	}
	if journal == nil {
		logger.Warn("Task queue running without a journal; state will not survive restart")
	}
	return q
}

// Start runs the background sweeper (lease expiry, deadlines, dedup cleanup)
// until ctx is done. A shared queue may be started by several consumers; only
// the first call spawns the sweeper.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(q.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					q.sweep()
				}
			}
		}()
	})
}

// SetDedupWindow adjusts the deduplication window at runtime (hot-reload
// knob). Non-positive values are ignored.
func (q *Queue) SetDedupWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	q.cfg.DedupWindow = d
	q.mu.Unlock()
}

// Restore reloads journaled tasks after a restart. Tasks that were leased at
// crash time re-enter the queue for redelivery.
func (q *Queue) Restore(ctx context.Context) error {
	if q.journal == nil {
		return nil
	}
	tasks, err := q.journal.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	// Journaled dead letters stay inspectable across restarts.
	letters, err := q.journal.DeadLetters(ctx, 1000)
	if err != nil {
		q.logger.Warn("Failed to load journaled dead letters", zap.Error(err))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for i := range tasks {
		t := tasks[i].clone()
		if _, ok := q.items[t.ID]; ok {
			continue
		}
		if t.Status == StatusAssigned || t.Status == StatusRunning {
			t.Status = StatusQueued
			t.WorkerID = ""
			t.LeaseExpiry = time.Time{}
		}
		it := q.newItemLocked(t)
		if t.Status.Terminal() {
			it.finishedAt = time.Now()
			close(it.done)
		}
		q.dedup[t.fingerprint()] = dedupRec{taskID: t.ID, at: t.CreatedAt}
		restored++
	}
	for i := range letters {
		q.deadLetter = append(q.deadLetter, letters[i].clone())
	}
	q.updateDepthLocked()
	q.notifyLocked()
	q.logger.Info("Task queue restored from journal",
		zap.Int("tasks", restored), zap.Int("dead_letters", len(letters)))
	return nil
}

// Reassign moves an active lease onto the worker actually executing the task,
// so requeue-on-deregister can target it. The lease clock restarts.
func (q *Queue) Reassign(taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[taskID]
	if !ok {
		return ErrUnknownTask
	}
	t := it.task
	if t.Status != StatusAssigned && t.Status != StatusRunning {
		return fmt.Errorf("task %s is %s, cannot reassign", taskID, t.Status)
	}
	t.WorkerID = workerID
	t.LeaseExpiry = time.Now().Add(q.cfg.LeaseTTL)
	q.persistLocked(t)
	return nil
}

// Enqueue inserts a task. Identical (type, payload) submissions inside the
// dedup window collapse: the original task's id is returned alongside
// ErrDuplicateTask so duplicate callers can Wait on the same completion.
func (q *Queue) Enqueue(t *Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = q.cfg.MaxRetries
	}
	t.Status = StatusQueued

	fp := t.fingerprint()
	if rec, ok := q.dedup[fp]; ok && time.Since(rec.at) < q.cfg.DedupWindow {
		if _, alive := q.items[rec.taskID]; alive {
			metrics.TasksDeduplicated.Inc()
			q.logger.Debug("Duplicate task collapsed",
				zap.String("task_id", rec.taskID),
				zap.String("type", t.Type),
			)
			return rec.taskID, ErrDuplicateTask
		}
	}

	stored := t.clone()
	q.newItemLocked(stored)
	q.dedup[fp] = dedupRec{taskID: stored.ID, at: time.Now()}
	q.persistLocked(stored)
	q.emitLocked(stored, "task_enqueued")
	metrics.TasksEnqueued.Inc()
	q.updateDepthLocked()
	q.notifyLocked()
	return stored.ID, nil
}

// Dequeue returns the highest-priority eligible task: all dependencies
// Completed, required capabilities intersecting the caller's declared set,
// FIFO within a priority class. Blocks until eligible work exists or ctx ends.
// The task is leased to workerID; redelivery happens only on Nack or lease expiry.
func (q *Queue) Dequeue(ctx context.Context, workerID string, capabilities []string) (*Task, error) {
	for {
		q.mu.Lock()
		if it := q.selectLocked(capabilities); it != nil {
			now := time.Now()
			it.task.Status = StatusAssigned
			it.task.WorkerID = workerID
			it.task.LeaseExpiry = now.Add(q.cfg.LeaseTTL)
			q.persistLocked(it.task)
			q.emitLocked(it.task, "task_assigned")
			q.updateDepthLocked()
			out := it.task.clone()
			q.mu.Unlock()
			return out, nil
		}
		ch := q.notifyCh
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// MarkRunning transitions an assigned task to Running.
func (q *Queue) MarkRunning(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if it.task.Status != StatusAssigned {
		return fmt.Errorf("task %s is %s, not assigned", taskID, it.task.Status)
	}
	it.task.Status = StatusRunning
	q.persistLocked(it.task)
	q.emitLocked(it.task, "task_running")
	return nil
}

// Ack marks a leased task Completed with its result, unblocking dependents
// and any duplicate callers waiting on it. If cancellation was requested
// mid-flight the result is discarded and the task ends Cancelled.
func (q *Queue) Ack(taskID string, result interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[taskID]
	if !ok {
		return ErrUnknownTask
	}
	t := it.task
	if t.Status != StatusAssigned && t.Status != StatusRunning {
		return fmt.Errorf("task %s is %s, cannot ack", taskID, t.Status)
	}
	if it.cancelRequested {
		t.Status = StatusCancelled
		t.Result = nil
	} else {
		t.Status = StatusCompleted
		t.Result = result
	}
	t.Error = ""
	t.LeaseExpiry = time.Time{}
	it.finishedAt = time.Now()
	close(it.done)
	q.persistLocked(t)
	q.emitLocked(t, "task_completed")
	metrics.TasksCompleted.WithLabelValues(t.Status.String()).Inc()
	q.notifyLocked() // dependents may have become eligible
	return nil
}

// Nack reports a failed execution. With retries remaining the task re-enters
// the queue after exponential backoff; otherwise it dead-letters and
// ErrPermanentFailure is returned.
func (q *Queue) Nack(taskID string, taskErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[taskID]
	if !ok {
		return ErrUnknownTask
	}
	t := it.task
	if t.Status != StatusAssigned && t.Status != StatusRunning {
		return fmt.Errorf("task %s is %s, cannot nack", taskID, t.Status)
	}
	if taskErr != nil {
		t.Error = taskErr.Error()
	}
	t.WorkerID = ""
	t.LeaseExpiry = time.Time{}

	if it.cancelRequested {
		t.Status = StatusCancelled
		it.finishedAt = time.Now()
		close(it.done)
		q.persistLocked(t)
		q.emitLocked(t, "task_cancelled")
		metrics.TasksCompleted.WithLabelValues(t.Status.String()).Inc()
		return nil
	}

	t.Retries++
	if t.Retries >= t.MaxRetries {
		t.Status = StatusDeadLettered
		q.deadLetter = append(q.deadLetter, t.clone())
		it.finishedAt = time.Now()
		close(it.done)
		q.persistDeadLetterLocked(t)
		q.emitLocked(t, "task_dead_lettered")
		metrics.TasksDeadLettered.Inc()
		metrics.TasksCompleted.WithLabelValues(t.Status.String()).Inc()
		q.logger.Warn("Task dead-lettered",
			zap.String("task_id", t.ID),
			zap.Int("retries", t.Retries),
			zap.String("error", t.Error),
		)
		return ErrPermanentFailure
	}

	delay := it.boff.NextBackOff()
	t.Status = StatusQueued
	it.notBefore = time.Now().Add(delay)
	it.timer = time.AfterFunc(delay, q.broadcast)
	q.persistLocked(t)
	q.emitLocked(t, "task_retry_scheduled")
	metrics.TaskRetries.Inc()
	q.updateDepthLocked()
	q.logger.Debug("Task scheduled for retry",
		zap.String("task_id", t.ID),
		zap.Int("retry", t.Retries),
		zap.Duration("backoff", delay),
	)
	return nil
}

// Wait blocks until the task reaches a terminal state and returns its result.
func (q *Queue) Wait(ctx context.Context, taskID string) (interface{}, error) {
	q.mu.Lock()
	it, ok := q.items[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, ErrUnknownTask
	}
	done := it.done
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	t := it.task
	switch t.Status {
	case StatusCompleted:
		return t.Result, nil
	case StatusDeadLettered:
		if t.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrPermanentFailure, t.Error)
		}
		return nil, ErrPermanentFailure
	case StatusCancelled:
		return nil, ErrCancelled
	case StatusTimedOut:
		return nil, ErrTimedOut
	default:
		return nil, fmt.Errorf("task %s ended in unexpected state %s", taskID, t.Status)
	}
}

// Cancel removes a queued task or flags a leased one so its eventual result
// is discarded. Terminal tasks cannot be cancelled.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelLocked(taskID)
}

// CancelByRequest cancels every non-terminal task belonging to a request.
func (q *Queue) CancelByRequest(requestID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, it := range q.items {
		if it.task.RequestID == requestID && !it.task.Status.Terminal() {
			if q.cancelLocked(id) == nil {
				n++
			}
		}
	}
	return n
}

func (q *Queue) cancelLocked(taskID string) error {
	it, ok := q.items[taskID]
	if !ok {
		return ErrUnknownTask
	}
	t := it.task
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already %s", taskID, t.Status)
	}
	switch t.Status {
	case StatusQueued:
		t.Status = StatusCancelled
		if it.timer != nil {
			it.timer.Stop()
		}
		it.finishedAt = time.Now()
		close(it.done)
		q.persistLocked(t)
		q.emitLocked(t, "task_cancelled")
		metrics.TasksCompleted.WithLabelValues(t.Status.String()).Inc()
		q.updateDepthLocked()
		q.notifyLocked()
	default:
		// Mid-execution: let the worker finish, discard the result at ack.
		it.cancelRequested = true
	}
	return nil
}

// RequeueWorker returns all tasks leased to a worker to the queue, without
// consuming a retry. Used when a worker is deregistered.
func (q *Queue) RequeueWorker(workerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		t := it.task
		if t.WorkerID != workerID {
			continue
		}
		if t.Status == StatusAssigned || t.Status == StatusRunning {
			t.Status = StatusQueued
			t.WorkerID = ""
			t.LeaseExpiry = time.Time{}
			q.persistLocked(t)
			q.emitLocked(t, "task_requeued")
			n++
		}
	}
	if n > 0 {
		q.updateDepthLocked()
		q.notifyLocked()
	}
	return n
}

// Get returns a read-only snapshot of a task.
func (q *Queue) Get(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	return it.task.clone(), nil
}

// Depth returns the number of tasks currently queued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// DeadLetters returns a snapshot of the dead-letter list.
func (q *Queue) DeadLetters() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.deadLetter))
	for _, t := range q.deadLetter {
		out = append(out, t.clone())
	}
	return out
}

// selectLocked picks the dispatchable task with the highest effective
// priority, FIFO within a class.
func (q *Queue) selectLocked(capabilities []string) *item {
	now := time.Now()
	var best *item
	var bestPri Priority
	for _, it := range q.items {
		t := it.task
		if t.Status != StatusQueued || now.Before(it.notBefore) {
			continue
		}
		if !q.depsMetLocked(t) {
			continue
		}
		if !capsIntersect(t.RequiredCapabilities, capabilities) {
			continue
		}
		pri := q.effectivePriority(t, now)
		if best == nil || pri > bestPri || (pri == bestPri && it.seq < best.seq) {
			best, bestPri = it, pri
		}
	}
	return best
}

// effectivePriority promotes a task one class after it has waited beyond the
// aging threshold, so Low-priority work cannot starve indefinitely.
func (q *Queue) effectivePriority(t *Task, now time.Time) Priority {
	p := t.Priority
	if q.cfg.AgingThreshold > 0 && now.Sub(t.CreatedAt) >= q.cfg.AgingThreshold && p < PriorityCritical {
		p++
	}
	return p
}

func (q *Queue) depsMetLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		it, ok := q.items[dep]
		if !ok || it.task.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func capsIntersect(required, declared []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		for _, d := range declared {
			if r == d {
				return true
			}
		}
	}
	return false
}

func (q *Queue) newItemLocked(t *Task) *item {
	q.seq++
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = q.cfg.BackoffCap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	it := &item{task: t, seq: q.seq, boff: b, done: make(chan struct{})}
	q.items[t.ID] = it
	return it
}

// sweep handles lease expiry, deadlines, terminal-item retention, and dedup
// window cleanup.
func (q *Queue) sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	changed := false

	for id, it := range q.items {
		t := it.task
		if t.Status.Terminal() {
			// Terminal records are kept for the dedup window (so duplicate
			// callers still observe the outcome), then evicted to bound
			// memory in long-running processes.
			if !it.finishedAt.IsZero() && now.Sub(it.finishedAt) >= q.cfg.DedupWindow {
				delete(q.items, id)
			}
			continue
		}
		if !t.Deadline.IsZero() && now.After(t.Deadline) {
			t.Status = StatusTimedOut
			if it.timer != nil {
				it.timer.Stop()
			}
			it.finishedAt = now
			close(it.done)
			q.persistLocked(t)
			q.emitLocked(t, "task_timed_out")
			metrics.TasksCompleted.WithLabelValues(t.Status.String()).Inc()
			changed = true
			continue
		}
		if (t.Status == StatusAssigned || t.Status == StatusRunning) && now.After(t.LeaseExpiry) {
			t.Status = StatusQueued
			t.WorkerID = ""
			t.LeaseExpiry = time.Time{}
			q.persistLocked(t)
			q.emitLocked(t, "task_lease_expired")
			metrics.LeaseExpiries.Inc()
			changed = true
		}
	}
	for fp, rec := range q.dedup {
		if now.Sub(rec.at) >= q.cfg.DedupWindow {
			delete(q.dedup, fp)
		}
	}
	if changed {
		q.updateDepthLocked()
		q.notifyLocked()
	}
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, it := range q.items {
		if it.task.Status == StatusQueued {
			n++
		}
	}
	return n
}

func (q *Queue) updateDepthLocked() {
	metrics.QueueDepth.Set(float64(q.depthLocked()))
}

func (q *Queue) notifyLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

func (q *Queue) broadcast() {
	q.mu.Lock()
	q.notifyLocked()
	q.mu.Unlock()
}

func (q *Queue) persistLocked(t *Task) {
	if q.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.journal.Record(ctx, t); err != nil {
		q.logger.Error("Failed to journal task",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (q *Queue) persistDeadLetterLocked(t *Task) {
	if q.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.journal.RecordDeadLetter(ctx, t); err != nil {
		q.logger.Error("Failed to journal dead letter",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (q *Queue) emitLocked(t *Task, eventType string) {
	if q.events == nil {
		return
	}
	q.events.Publish(events.Event{
		Topic:  events.TopicTasks,
		Type:   eventType,
		Source: t.ID,
		Data: map[string]interface{}{
			"type":     t.Type,
			"status":   t.Status.String(),
			"priority": t.Priority.String(),
			"retries":  t.Retries,
		},
	})
}
