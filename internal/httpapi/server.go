package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/coordinator"
	"github.com/revoagent/orchestrator/internal/creative"
	"github.com/revoagent/orchestrator/internal/events"
	"github.com/revoagent/orchestrator/internal/recall"
	"github.com/revoagent/orchestrator/internal/registry"
	"github.com/revoagent/orchestrator/internal/taskqueue"
)

// Server exposes the orchestration core over HTTP/JSON.
type Server struct {
	coord    *coordinator.Coordinator
	queue    *taskqueue.Queue
	registry *registry.Registry
	memory   *recall.Engine
	creative *creative.Engine
	events   *events.Manager
	logger   *zap.Logger
}

// NewServer wires the API over the core components. Any component may be nil;
// its routes then answer 404.
func NewServer(coord *coordinator.Coordinator, queue *taskqueue.Queue, reg *registry.Registry, memory *recall.Engine, creativeEngine *creative.Engine, ev *events.Manager, logger *zap.Logger) *Server {
	return &Server{
		coord:    coord,
		queue:    queue,
		registry: reg,
		memory:   memory,
		creative: creativeEngine,
		events:   ev,
		logger:   logger,
	}
}

// RegisterRoutes mounts every handler on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if s.coord != nil {
		mux.HandleFunc("POST /api/v1/requests", s.handleSubmitRequest)
		mux.HandleFunc("POST /api/v1/requests/{id}/cancel", s.handleCancelRequest)
	}
	if s.queue != nil {
		mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
		mux.HandleFunc("GET /api/v1/deadletters", s.handleDeadLetters)
	}
	if s.registry != nil {
		mux.HandleFunc("GET /api/v1/workers", s.handleWorkers)
	}
	if s.memory != nil {
		mux.HandleFunc("POST /api/v1/memory", s.handleStoreMemory)
		mux.HandleFunc("GET /api/v1/memory/recall", s.handleRecall)
		mux.HandleFunc("POST /api/v1/memory/{id}/reinforce", s.handleReinforce)
	}
	if s.creative != nil {
		mux.HandleFunc("POST /api/v1/feedback", s.handleFeedback)
	}
	if s.events != nil {
		mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	}
}

type submitRequestBody struct {
	Description     string          `json:"description"`
	TaskType        string          `json:"task_type,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Constraints     []string        `json:"constraints,omitempty"`
	InnovationLevel float64         `json:"innovation_level,omitempty"`
	Engines         []string        `json:"engines,omitempty"`
	Strategy        string          `json:"strategy,omitempty"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if body.Description == "" {
		http.Error(w, `{"error":"description is required"}`, http.StatusBadRequest)
		return
	}

	req := &coordinator.CoordinatedRequest{
		Description:     body.Description,
		TaskType:        body.TaskType,
		Payload:         body.Payload,
		SessionID:       body.SessionID,
		Constraints:     body.Constraints,
		InnovationLevel: body.InnovationLevel,
	}
	for _, e := range body.Engines {
		req.Engines = append(req.Engines, coordinator.EngineType(e))
	}
	strategy, err := coordinator.ParseStrategy(body.Strategy)
	if err != nil {
		http.Error(w, `{"error":"unknown strategy"}`, http.StatusBadRequest)
		return
	}
	req.Strategy = strategy

	result, err := s.coord.Execute(r.Context(), req)
	if err != nil && result == nil {
		s.logger.Error("Request execution failed", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	// A failed request still returns its partial result.
	status := http.StatusOK
	if result.State == coordinator.StateFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Cancel(id); err != nil {
		if errors.Is(err, coordinator.ErrUnknownRequest) {
			http.Error(w, `{"error":"unknown request"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"cancel failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"unknown task"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.queue.DeadLetters(),
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": s.registry.Snapshot(),
	})
}

type storeMemoryBody struct {
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var body storeMemoryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		http.Error(w, `{"error":"content is required"}`, http.StatusBadRequest)
		return
	}
	id, err := s.memory.Store(r.Context(), body.Content, body.Metadata, body.SessionID)
	if err != nil {
		// The entry is in memory even when the archive write failed.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":      id,
			"warning": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	filters := recall.Filters{SessionID: q.Get("session_id")}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filters.Since = t
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": s.memory.Recall(r.Context(), query, limit, filters),
	})
}

type reinforceBody struct {
	Delta float64 `json:"delta"`
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	var body reinforceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if err := s.memory.Reinforce(r.Context(), r.PathValue("id"), body.Delta); err != nil {
		http.Error(w, `{"error":"unknown memory"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type feedbackBody struct {
	SolutionID string  `json:"solution_id"`
	Feedback   float64 `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SolutionID == "" {
		http.Error(w, `{"error":"solution_id is required"}`, http.StatusBadRequest)
		return
	}
	if err := s.creative.Learn(body.SolutionID, body.Feedback); err != nil {
		http.Error(w, `{"error":"unknown solution"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = events.TopicTasks
	}
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.events.ReplaySince(topic, since),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
