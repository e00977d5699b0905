package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/coordinator"
	"github.com/revoagent/orchestrator/internal/events"
	"github.com/revoagent/orchestrator/internal/recall"
	"github.com/revoagent/orchestrator/internal/registry"
	"github.com/revoagent/orchestrator/internal/taskqueue"
)

type stubEngine struct {
	typ coordinator.EngineType
	err error
}

func (s *stubEngine) Type() coordinator.EngineType { return s.typ }

func (s *stubEngine) Execute(_ context.Context, _ *coordinator.CoordinatedRequest, _ []recall.Result) (*coordinator.EngineResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &coordinator.EngineResponse{Result: "stub answer", Confidence: 0.7}, nil
}

func newTestServer(t *testing.T, engine coordinator.Engine) *http.ServeMux {
	t.Helper()
	logger := zap.NewNop()

	memory := recall.New(recall.Config{}, nil, nil, logger)
	coord, err := coordinator.New([]coordinator.Engine{engine}, memory, nil, nil, logger)
	require.NoError(t, err)

	queue := taskqueue.New(taskqueue.Config{}, nil, nil, logger)
	reg := registry.New(registry.Config{}, nil, logger)
	require.NoError(t, reg.Register("worker-a", []string{"general"}, 2))

	srv := NewServer(coord, queue, reg, memory, nil, events.NewManager(64), logger)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return mux
}

func TestSubmitRequest(t *testing.T) {
	mux := newTestServer(t, &stubEngine{typ: coordinator.EngineParallel})

	body := `{"description":"sum the numbers","engines":["parallel"]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result coordinator.CoordinatedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, coordinator.StateCompleted, result.State)
	assert.Equal(t, "stub answer", result.Answer)
}

func TestSubmitRequestFailureReturnsPartialResult(t *testing.T) {
	mux := newTestServer(t, &stubEngine{typ: coordinator.EngineParallel, err: errors.New("pool down")})

	body := `{"description":"sum the numbers","engines":["parallel"]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body)))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var result coordinator.CoordinatedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, coordinator.StateFailed, result.State)
	assert.Contains(t, result.Error, "pool down")
}

func TestSubmitRequestValidation(t *testing.T) {
	mux := newTestServer(t, &stubEngine{typ: coordinator.EngineParallel})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests",
		strings.NewReader(`{"description":"sum the numbers","strategy":"bogus"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRequestHonorsStrategy(t *testing.T) {
	mux := newTestServer(t, &stubEngine{typ: coordinator.EngineParallel})

	body := `{"description":"sum the numbers","engines":["parallel"],"strategy":"adaptive"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result coordinator.CoordinatedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, coordinator.StrategyAdaptive, result.Strategy)
}

func TestWorkersEndpoint(t *testing.T) {
	mux := newTestServer(t, &stubEngine{typ: coordinator.EngineParallel})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers []registry.WorkerInfo `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Workers, 1)
	assert.Equal(t, "worker-a", body.Workers[0].ID)
}

func TestMemoryRoundTripOverHTTP(t *testing.T) {
	mux := newTestServer(t, &stubEngine{typ: coordinator.EngineParallel})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/memory",
		strings.NewReader(`{"content":"the deploy rollback procedure","session_id":"s1"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created["id"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/memory/recall?q=rollback+procedure&session_id=s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var recalled struct {
		Results []recall.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recalled))
	require.NotEmpty(t, recalled.Results)
	assert.Equal(t, created["id"], recalled.Results[0].Entry.ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/memory/"+created["id"]+"/reinforce",
		strings.NewReader(`{"delta":0.3}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/memory/missing/reinforce",
		strings.NewReader(`{"delta":0.3}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskLookup(t *testing.T) {
	logger := zap.NewNop()
	queue := taskqueue.New(taskqueue.Config{}, nil, nil, logger)
	srv := NewServer(nil, queue, nil, nil, nil, nil, logger)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	id, err := queue.Enqueue(&taskqueue.Task{Type: "t", Payload: []byte("{}")})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var task taskqueue.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, id, task.ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsReplay(t *testing.T) {
	logger := zap.NewNop()
	ev := events.NewManager(16)
	ev.Publish(events.Event{Topic: events.TopicTasks, Type: "task_enqueued", Timestamp: time.Now()})
	ev.Publish(events.Event{Topic: events.TopicTasks, Type: "task_completed", Timestamp: time.Now()})

	srv := NewServer(nil, nil, nil, nil, nil, ev, logger)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?topic=tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 2)
}
