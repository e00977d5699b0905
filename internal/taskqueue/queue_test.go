package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 20 * time.Millisecond
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Millisecond
	}
	return New(cfg, nil, nil, zap.NewNop())
}

func mustDequeue(t *testing.T, q *Queue, caps ...string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx, "test-worker", caps)
	require.NoError(t, err)
	return task
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(&Task{Type: "a", Payload: []byte("1"), Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(&Task{Type: "b", Payload: []byte("2"), Priority: PriorityCritical})
	require.NoError(t, err)
	_, err = q.Enqueue(&Task{Type: "c", Payload: []byte("3"), Priority: PriorityNormal})
	require.NoError(t, err)

	assert.Equal(t, "b", mustDequeue(t, q).Type)
	assert.Equal(t, "c", mustDequeue(t, q).Type)
	assert.Equal(t, "a", mustDequeue(t, q).Type)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t, Config{})

	id1, err := q.Enqueue(&Task{Type: "x", Payload: []byte("1"), Priority: PriorityNormal})
	require.NoError(t, err)
	id2, err := q.Enqueue(&Task{Type: "x", Payload: []byte("2"), Priority: PriorityNormal})
	require.NoError(t, err)

	assert.Equal(t, id1, mustDequeue(t, q).ID)
	assert.Equal(t, id2, mustDequeue(t, q).ID)
}

func TestDeduplication(t *testing.T) {
	q := newTestQueue(t, Config{DedupWindow: time.Minute})

	id1, err := q.Enqueue(&Task{Type: "work", Payload: []byte("same")})
	require.NoError(t, err)

	id2, err := q.Enqueue(&Task{Type: "work", Payload: []byte("same")})
	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Equal(t, id1, id2, "duplicate must collapse onto the original task")

	// Different payload is a different task.
	_, err = q.Enqueue(&Task{Type: "work", Payload: []byte("other")})
	require.NoError(t, err)
	assert.Equal(t, 2, q.Depth())
}

func TestDuplicateCallerSeesSameCompletion(t *testing.T) {
	q := newTestQueue(t, Config{DedupWindow: time.Minute})

	id1, err := q.Enqueue(&Task{Type: "work", Payload: []byte("p")})
	require.NoError(t, err)
	dupID, err := q.Enqueue(&Task{Type: "work", Payload: []byte("p")})
	require.ErrorIs(t, err, ErrDuplicateTask)

	task := mustDequeue(t, q)
	require.NoError(t, q.Ack(task.ID, "answer"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := q.Wait(ctx, dupID)
	require.NoError(t, err)
	assert.Equal(t, "answer", res)
	assert.Equal(t, id1, dupID)
}

func TestDependencyGating(t *testing.T) {
	q := newTestQueue(t, Config{})

	depID, err := q.Enqueue(&Task{Type: "dep", Payload: []byte("d"), Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(&Task{
		Type:      "dependent",
		Payload:   []byte("x"),
		Priority:  PriorityCritical,
		DependsOn: []string{depID},
	})
	require.NoError(t, err)

	// Despite lower priority, the dependency must dispatch first.
	first := mustDequeue(t, q)
	assert.Equal(t, "dep", first.Type)

	// The dependent is not eligible until the dependency completes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx, "w", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Ack(first.ID, nil))
	second := mustDequeue(t, q)
	assert.Equal(t, "dependent", second.Type)
}

func TestCapabilityIntersection(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(&Task{
		Type:                 "specialized",
		Payload:              []byte("x"),
		RequiredCapabilities: []string{"code"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx, "w", []string{"analysis"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	task := mustDequeue(t, q, "code", "analysis")
	assert.Equal(t, "specialized", task.Type)
}

func TestRetryThenDeadLetter(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 3})

	id, err := q.Enqueue(&Task{Type: "flaky", Payload: []byte("x")})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		task := mustDequeue(t, q)
		require.Equal(t, id, task.ID)
		err := q.Nack(task.ID, errors.New("boom"))
		if attempt < 3 {
			require.NoError(t, err, "attempt %d should schedule a retry", attempt)
		} else {
			require.ErrorIs(t, err, ErrPermanentFailure, "3rd failure must dead-letter")
		}
	}

	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].ID)
	assert.Equal(t, StatusDeadLettered, letters[0].Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = q.Wait(ctx, id)
	assert.ErrorIs(t, err, ErrPermanentFailure)
}

func TestNackBackoffDelaysRedelivery(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 3, BackoffBase: 80 * time.Millisecond})

	_, err := q.Enqueue(&Task{Type: "slow-retry", Payload: []byte("x")})
	require.NoError(t, err)

	task := mustDequeue(t, q)
	require.NoError(t, q.Nack(task.ID, errors.New("fail")))

	// Immediately after the nack the task is still in its backoff window.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx, "w", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// After the backoff elapses it is redelivered.
	redelivered := mustDequeue(t, q)
	assert.Equal(t, task.ID, redelivered.ID)
	assert.Equal(t, 1, redelivered.Retries)
}

func TestCancelQueuedTask(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(&Task{Type: "doomed", Payload: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = q.Wait(ctx, id)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, q.Depth())
}

func TestCancelMidExecutionDiscardsResult(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(&Task{Type: "running", Payload: []byte("x")})
	require.NoError(t, err)
	task := mustDequeue(t, q)
	require.NoError(t, q.MarkRunning(task.ID))

	// Cancellation does not interrupt a running task.
	require.NoError(t, q.Cancel(id))
	got, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	// The worker finishes normally; the result is discarded.
	require.NoError(t, q.Ack(id, "late result"))
	got, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
}

func TestCancelByRequest(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(&Task{Type: "a", Payload: []byte("1"), RequestID: "req-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(&Task{Type: "b", Payload: []byte("2"), RequestID: "req-1"})
	require.NoError(t, err)
	keepID, err := q.Enqueue(&Task{Type: "c", Payload: []byte("3"), RequestID: "req-2"})
	require.NoError(t, err)

	assert.Equal(t, 2, q.CancelByRequest("req-1"))
	assert.Equal(t, 1, q.Depth())
	kept, err := q.Get(keepID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, kept.Status)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	q := newTestQueue(t, Config{LeaseTTL: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	id, err := q.Enqueue(&Task{Type: "leased", Payload: []byte("x")})
	require.NoError(t, err)

	task := mustDequeue(t, q)
	require.Equal(t, id, task.ID)

	// No ack, no nack: the lease expires and the task is redelivered.
	redelivered := mustDequeue(t, q)
	assert.Equal(t, id, redelivered.ID)
	assert.Equal(t, 0, redelivered.Retries, "lease expiry must not consume a retry")
}

func TestDeadlineTimesOutTask(t *testing.T) {
	q := newTestQueue(t, Config{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	id, err := q.Enqueue(&Task{
		Type:     "expiring",
		Payload:  []byte("x"),
		Deadline: time.Now().Add(20 * time.Millisecond),
	})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err = q.Wait(waitCtx, id)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestRequeueWorker(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(&Task{Type: "orphaned", Payload: []byte("x")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = q.Dequeue(ctx, "w-gone", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, q.RequeueWorker("w-gone"))
	task := mustDequeue(t, q)
	assert.Equal(t, id, task.ID)
}

func TestReassignTransfersLease(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(&Task{Type: "handed-off", Payload: []byte("x")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = q.Dequeue(ctx, "dispatcher", nil)
	require.NoError(t, err)

	require.NoError(t, q.Reassign(id, "executor-1"))
	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "executor-1", task.WorkerID)

	// The lease followed the executing worker; the dispatcher holds nothing.
	assert.Equal(t, 0, q.RequeueWorker("dispatcher"))
	assert.Equal(t, 1, q.RequeueWorker("executor-1"))
}

func TestTerminalTasksEvictedAfterDedupWindow(t *testing.T) {
	q := newTestQueue(t, Config{DedupWindow: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	id, err := q.Enqueue(&Task{Type: "short-lived", Payload: []byte("x")})
	require.NoError(t, err)
	task := mustDequeue(t, q)
	require.NoError(t, q.Ack(task.ID, "done"))

	_, err = q.Get(id)
	require.NoError(t, err, "terminal tasks stay visible inside the dedup window")

	require.Eventually(t, func() bool {
		_, err := q.Get(id)
		return errors.Is(err, ErrUnknownTask)
	}, time.Second, 10*time.Millisecond, "terminal tasks must be evicted after the dedup window")

	// With the record gone the same work is enqueueable again.
	_, err = q.Enqueue(&Task{Type: "short-lived", Payload: []byte("x")})
	require.NoError(t, err)
}

func TestPriorityAgingPromotesStarvedTask(t *testing.T) {
	q := newTestQueue(t, Config{AgingThreshold: 20 * time.Millisecond})

	lowID, err := q.Enqueue(&Task{Type: "starved", Payload: []byte("1"), Priority: PriorityLow})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = q.Enqueue(&Task{Type: "fresh", Payload: []byte("2"), Priority: PriorityNormal})
	require.NoError(t, err)

	// The aged Low task now competes at Normal and wins FIFO.
	first := mustDequeue(t, q)
	assert.Equal(t, lowID, first.ID)
}
