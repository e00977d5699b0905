package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/taskqueue"
)

type testHandler func(task *taskqueue.Task) (interface{}, error)

// startWorkers runs n queue consumers dispatching on task type.
func startWorkers(t *testing.T, q *taskqueue.Queue, n int, handlers map[string]testHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("wf-worker-%d", i)
		go func() {
			for {
				task, err := q.Dequeue(ctx, workerID, []string{"compute"})
				if err != nil {
					return
				}
				h, ok := handlers[task.Type]
				if !ok {
					_ = q.Nack(task.ID, fmt.Errorf("no handler for %s", task.Type))
					continue
				}
				res, err := h(task)
				if err != nil {
					_ = q.Nack(task.ID, err)
				} else {
					_ = q.Ack(task.ID, res)
				}
			}
		}()
	}
}

func newTestExecutor(t *testing.T, maxParallel int, qcfg taskqueue.Config) (*Executor, *taskqueue.Queue) {
	t.Helper()
	if qcfg.SweepInterval == 0 {
		qcfg.SweepInterval = 10 * time.Millisecond
	}
	if qcfg.BackoffBase == 0 {
		qcfg.BackoffBase = 5 * time.Millisecond
		qcfg.BackoffCap = 20 * time.Millisecond
	}
	q := taskqueue.New(qcfg, nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	return NewExecutor(q, maxParallel, zap.NewNop()), q
}

func TestSequentialWorkflowOrder(t *testing.T) {
	e, q := newTestExecutor(t, 4, taskqueue.Config{})

	var mu sync.Mutex
	var order []string
	startWorkers(t, q, 2, map[string]testHandler{
		"step": func(task *taskqueue.Task) (interface{}, error) {
			mu.Lock()
			order = append(order, string(task.Payload))
			mu.Unlock()
			return string(task.Payload), nil
		},
	})

	wf, err := Sequential("seq-1",
		&Node{ID: "a", Type: "step", Payload: []byte("a")},
		&Node{ID: "b", Type: "step", Payload: []byte("b")},
		&Node{ID: "c", Type: "step", Payload: []byte("c")},
	)
	require.NoError(t, err)

	run, err := e.Start(context.Background(), wf)
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 1.0, run.Progress())
}

func TestParallelWorkflowBoundedConcurrency(t *testing.T) {
	e, q := newTestExecutor(t, 2, taskqueue.Config{})

	var current, peak int32
	startWorkers(t, q, 4, map[string]testHandler{
		"work": func(task *taskqueue.Task) (interface{}, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return string(task.Payload), nil
		},
	})

	nodes := make([]*Node, 0, 6)
	for i := 0; i < 6; i++ {
		nodes = append(nodes, &Node{
			ID:      fmt.Sprintf("n%d", i),
			Type:    "work",
			Payload: []byte(fmt.Sprintf("p%d", i)),
		})
	}
	wf, err := Parallel("par-1", nodes...)
	require.NoError(t, err)

	run, err := e.Start(context.Background(), wf)
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2),
		"executor must bound dispatched concurrency")
	assert.Len(t, res.NodeResults, 6)
}

func TestConditionalBypassesSubtree(t *testing.T) {
	e, q := newTestExecutor(t, 4, taskqueue.Config{})
	startWorkers(t, q, 2, map[string]testHandler{
		"probe":  func(*taskqueue.Task) (interface{}, error) { return 3, nil },
		"branch": func(*taskqueue.Task) (interface{}, error) { return "ran", nil },
	})

	wf := New("cond-1")
	require.NoError(t, wf.Add(&Node{ID: "probe", Type: "probe", Payload: []byte("{}")}))
	require.NoError(t, wf.Add(&Node{
		ID: "high", Type: "branch", Payload: []byte("high"), DependsOn: []string{"probe"},
		Condition: func(results map[string]interface{}) bool {
			return results["probe"].(int) > 10
		},
	}))
	require.NoError(t, wf.Add(&Node{
		ID: "after-high", Type: "branch", Payload: []byte("after"), DependsOn: []string{"high"},
	}))
	require.NoError(t, wf.Add(&Node{
		ID: "low", Type: "branch", Payload: []byte("low"), DependsOn: []string{"probe"},
		Condition: func(results map[string]interface{}) bool {
			return results["probe"].(int) <= 10
		},
	}))

	run, err := e.Start(context.Background(), wf)
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status, "skipped branches do not fail the workflow")
	assert.Equal(t, NodeSkipped, res.NodeStatuses["high"])
	assert.Equal(t, NodeSkipped, res.NodeStatuses["after-high"], "subtree under a skipped node skips")
	assert.Equal(t, NodeCompleted, res.NodeStatuses["low"])
	assert.Equal(t, "ran", res.NodeResults["low"])
	assert.NotContains(t, res.NodeResults, "high")
}

func TestNodeFailureFailsWorkflow(t *testing.T) {
	e, q := newTestExecutor(t, 4, taskqueue.Config{MaxRetries: 1})
	startWorkers(t, q, 2, map[string]testHandler{
		"ok":   func(*taskqueue.Task) (interface{}, error) { return "fine", nil },
		"boom": func(*taskqueue.Task) (interface{}, error) { return nil, errors.New("persistent failure") },
	})

	wf, err := Sequential("fail-1",
		&Node{ID: "first", Type: "ok", Payload: []byte("1")},
		&Node{ID: "second", Type: "boom", Payload: []byte("2")},
		&Node{ID: "third", Type: "ok", Payload: []byte("3")},
	)
	require.NoError(t, err)

	run, err := e.Start(context.Background(), wf)
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, NodeCompleted, res.NodeStatuses["first"])
	assert.Equal(t, NodeFailed, res.NodeStatuses["second"])
	assert.Equal(t, NodeCancelled, res.NodeStatuses["third"], "downstream of a failure never starts")
	assert.Contains(t, res.NodeErrors["second"], "persistent failure")
}

func TestMapReduceSumsResults(t *testing.T) {
	e, q := newTestExecutor(t, 8, taskqueue.Config{})
	startWorkers(t, q, 4, map[string]testHandler{
		"map": func(task *taskqueue.Task) (interface{}, error) {
			var n int
			if err := json.Unmarshal(task.Payload, &n); err != nil {
				return nil, err
			}
			return n, nil
		},
		"reduce": func(task *taskqueue.Task) (interface{}, error) {
			var parts []float64
			if err := json.Unmarshal(task.Payload, &parts); err != nil {
				return nil, err
			}
			sum := 0
			for _, p := range parts {
				sum += int(p)
			}
			return sum, nil
		},
	})

	maps := make([]*Node, 0, 4)
	for i, v := range []int{1, 2, 3, 4} {
		maps = append(maps, &Node{
			ID:      fmt.Sprintf("map-%d", i),
			Type:    "map",
			Payload: []byte(fmt.Sprintf("%d", v)),
		})
	}
	wf, err := MapReduce("mr-1", maps, &Node{ID: "reduce", Type: "reduce"})
	require.NoError(t, err)

	run, err := e.Start(context.Background(), wf)
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 10, res.NodeResults["reduce"])
}

func TestCancelWorkflow(t *testing.T) {
	e, q := newTestExecutor(t, 4, taskqueue.Config{})

	started := make(chan struct{})
	startWorkers(t, q, 1, map[string]testHandler{
		"slow": func(*taskqueue.Task) (interface{}, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		},
	})

	wf, err := Sequential("cancel-1",
		&Node{ID: "a", Type: "slow", Payload: []byte("a")},
		&Node{ID: "b", Type: "slow", Payload: []byte("b")},
	)
	require.NoError(t, err)

	run, err := e.Start(context.Background(), wf)
	require.NoError(t, err)
	<-started
	run.Cancel()

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, NodeCancelled, res.NodeStatuses["b"])
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	empty := New("empty")
	assert.ErrorIs(t, empty.Validate(), ErrEmptyWorkflow)

	dangling := New("dangling")
	require.NoError(t, dangling.Add(&Node{ID: "a", Type: "t", DependsOn: []string{"ghost"}}))
	assert.ErrorIs(t, dangling.Validate(), ErrUnknownNode)

	cyclic := New("cyclic")
	require.NoError(t, cyclic.Add(&Node{ID: "a", Type: "t", DependsOn: []string{"b"}}))
	require.NoError(t, cyclic.Add(&Node{ID: "b", Type: "t", DependsOn: []string{"a"}}))
	assert.ErrorIs(t, cyclic.Validate(), ErrCyclicGraph)
}
