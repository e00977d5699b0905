package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/taskqueue"
)

// Status is the workflow-level outcome.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the final state of a workflow run.
type Result struct {
	WorkflowID   string
	Status       Status
	NodeStatuses map[string]NodeStatus
	NodeResults  map[string]interface{}
	NodeErrors   map[string]string
}

// Executor runs workflow graphs over the task queue. Node execution is
// delegated entirely to queue workers; the executor only sequences the graph.
type Executor struct {
	queue       *taskqueue.Queue
	maxParallel int
	logger      *zap.Logger
}

// NewExecutor creates an executor. maxParallel bounds concurrently dispatched
// nodes per run; zero means 8.
func NewExecutor(queue *taskqueue.Queue, maxParallel int, logger *zap.Logger) *Executor {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Executor{queue: queue, maxParallel: maxParallel, logger: logger}
}

type nodeDone struct {
	nodeID string
	result interface{}
	err    error
}

// Run is one workflow execution in flight.
type Run struct {
	wf     *Workflow
	queue  *taskqueue.Queue
	logger *zap.Logger

	mu         sync.Mutex
	status     Status
	nodeStatus map[string]NodeStatus
	results    map[string]interface{}
	nodeErrs   map[string]string

	sem         chan struct{}
	completions chan nodeDone
	inFlight    int
	cancel      context.CancelFunc
	done        chan struct{}
}

// Start validates the graph and begins executing it. The returned Run tracks
// progress; call Wait for the final result.
func (e *Executor) Start(ctx context.Context, wf *Workflow) (*Run, error) {
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("validate workflow %s: %w", wf.ID, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		wf:          wf,
		queue:       e.queue,
		logger:      e.logger,
		status:      StatusRunning,
		nodeStatus:  make(map[string]NodeStatus, len(wf.nodes)),
		results:     make(map[string]interface{}, len(wf.nodes)),
		nodeErrs:    make(map[string]string),
		sem:         make(chan struct{}, e.maxParallel),
		completions: make(chan nodeDone, len(wf.nodes)),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, n := range wf.nodes {
		r.nodeStatus[n.ID] = NodePending
	}
	e.logger.Info("Workflow started",
		zap.String("workflow_id", wf.ID),
		zap.Int("nodes", len(wf.nodes)),
	)
	go r.loop(runCtx)
	return r, nil
}

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	return r.snapshot(), nil
}

// Cancel aborts the run. Queued node tasks are cancelled; mid-flight tasks
// complete and are discarded.
func (r *Run) Cancel() {
	r.queue.CancelByRequest(r.wf.ID)
	r.cancel()
}

// Progress returns the fraction of nodes in a terminal state.
func (r *Run) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nodeStatus) == 0 {
		return 0
	}
	terminal := 0
	for _, s := range r.nodeStatus {
		if s.Terminal() {
			terminal++
		}
	}
	return float64(terminal) / float64(len(r.nodeStatus))
}

// Status returns the current workflow status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) snapshot() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &Result{
		WorkflowID:   r.wf.ID,
		Status:       r.status,
		NodeStatuses: make(map[string]NodeStatus, len(r.nodeStatus)),
		NodeResults:  make(map[string]interface{}, len(r.results)),
		NodeErrors:   make(map[string]string, len(r.nodeErrs)),
	}
	for k, v := range r.nodeStatus {
		res.NodeStatuses[k] = v
	}
	for k, v := range r.results {
		res.NodeResults[k] = v
	}
	for k, v := range r.nodeErrs {
		res.NodeErrors[k] = v
	}
	return res
}

func (r *Run) loop(ctx context.Context) {
	defer close(r.done)
	for {
		for r.schedule(ctx) {
		}
		if r.allTerminal() {
			break
		}
		select {
		case <-ctx.Done():
			r.abort()
			return
		case c := <-r.completions:
			r.record(c)
		}
	}
	r.finish()
}

// schedule advances every node whose dependencies have settled: skips gated
// or bypassed nodes, cancels nodes below a failure, and dispatches the rest
// up to the concurrency bound. Returns true if any state changed.
func (r *Run) schedule(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, n := range r.wf.nodes {
		if r.nodeStatus[n.ID] != NodePending {
			continue
		}
		settled, skipped, failed := true, false, false
		for _, dep := range n.DependsOn {
			switch r.nodeStatus[dep] {
			case NodeCompleted:
			case NodeSkipped:
				skipped = true
			case NodeFailed, NodeCancelled:
				failed = true
			default:
				settled = false
			}
		}
		if !settled {
			continue
		}
		switch {
		case failed:
			r.nodeStatus[n.ID] = NodeCancelled
			changed = true
		case skipped:
			// Bypassed branch: the whole subtree under a skipped node skips.
			r.nodeStatus[n.ID] = NodeSkipped
			changed = true
		case n.Condition != nil && !n.Condition(r.results):
			r.nodeStatus[n.ID] = NodeSkipped
			changed = true
		default:
			select {
			case r.sem <- struct{}{}:
			default:
				continue // at the concurrency bound, revisit on next completion
			}
			if err := r.dispatchLocked(ctx, n); err != nil {
				<-r.sem
				r.nodeStatus[n.ID] = NodeFailed
				r.nodeErrs[n.ID] = err.Error()
			}
			changed = true
		}
	}
	return changed
}

// dispatchLocked enqueues the node's task and waits for it in the background.
func (r *Run) dispatchLocked(ctx context.Context, n *Node) error {
	payload := n.Payload
	if n.BuildPayload != nil {
		built, err := n.BuildPayload(r.results)
		if err != nil {
			return fmt.Errorf("build payload for node %s: %w", n.ID, err)
		}
		payload = built
	}

	taskID, err := r.queue.Enqueue(&taskqueue.Task{
		RequestID:            r.wf.ID,
		Type:                 n.Type,
		Payload:              payload,
		Priority:             n.Priority,
		RequiredCapabilities: n.RequiredCapabilities,
	})
	if err != nil && !errors.Is(err, taskqueue.ErrDuplicateTask) {
		return fmt.Errorf("enqueue node %s: %w", n.ID, err)
	}

	r.nodeStatus[n.ID] = NodeRunning
	r.inFlight++
	go func() {
		result, err := r.queue.Wait(ctx, taskID)
		r.completions <- nodeDone{nodeID: n.ID, result: result, err: err}
	}()
	return nil
}

func (r *Run) record(c nodeDone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	<-r.sem
	r.inFlight--
	if c.err != nil {
		r.nodeStatus[c.nodeID] = NodeFailed
		r.nodeErrs[c.nodeID] = c.err.Error()
		r.logger.Warn("Workflow node failed",
			zap.String("workflow_id", r.wf.ID),
			zap.String("node_id", c.nodeID),
			zap.Error(c.err),
		)
		return
	}
	r.nodeStatus[c.nodeID] = NodeCompleted
	r.results[c.nodeID] = c.result
}

func (r *Run) allTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.nodeStatus {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// abort marks every unsettled node cancelled after a context cancellation.
func (r *Run) abort() {
	r.queue.CancelByRequest(r.wf.ID)
	r.mu.Lock()
	for id, s := range r.nodeStatus {
		if !s.Terminal() {
			r.nodeStatus[id] = NodeCancelled
		}
	}
	r.status = StatusCancelled
	r.mu.Unlock()
	r.logger.Info("Workflow cancelled", zap.String("workflow_id", r.wf.ID))
}

// finish settles the workflow status: completed only when every node either
// completed or was bypassed by a conditional branch.
func (r *Run) finish() {
	r.mu.Lock()
	status := StatusCompleted
	for _, s := range r.nodeStatus {
		if s == NodeFailed || s == NodeCancelled {
			status = StatusFailed
			break
		}
	}
	r.status = status
	r.mu.Unlock()
	r.logger.Info("Workflow finished",
		zap.String("workflow_id", r.wf.ID),
		zap.String("status", status.String()),
	)
}
