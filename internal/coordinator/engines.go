package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/revoagent/orchestrator/internal/creative"
	"github.com/revoagent/orchestrator/internal/parallel"
	"github.com/revoagent/orchestrator/internal/recall"
	"github.com/revoagent/orchestrator/internal/taskqueue"
)

// RecallAdapter exposes the Perfect Recall engine to the coordinator.
// Its answer is advisory context, never a hard failure.
type RecallAdapter struct {
	engine *recall.Engine
	limit  int
}

// NewRecallAdapter wraps a recall engine; limit bounds recalled entries.
func NewRecallAdapter(engine *recall.Engine, limit int) *RecallAdapter {
	if limit <= 0 {
		limit = 5
	}
	return &RecallAdapter{engine: engine, limit: limit}
}

func (a *RecallAdapter) Type() EngineType { return EngineRecall }

func (a *RecallAdapter) Execute(ctx context.Context, req *CoordinatedRequest, _ []recall.Result) (*EngineResponse, error) {
	results := a.engine.Recall(ctx, req.Description, a.limit, recall.Filters{SessionID: req.SessionID})
	confidence := 0.0
	if len(results) > 0 {
		confidence = results[0].Relevance
	}
	return &EngineResponse{Result: results, Confidence: confidence}, nil
}

// ParallelAdapter routes the request's task through the Parallel Mind pool.
type ParallelAdapter struct {
	engine  *parallel.Engine
	timeout time.Duration
}

// NewParallelAdapter wraps the worker pool; timeout bounds one coordinated
// sub-task, default 30s.
func NewParallelAdapter(engine *parallel.Engine, timeout time.Duration) *ParallelAdapter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ParallelAdapter{engine: engine, timeout: timeout}
}

func (a *ParallelAdapter) Type() EngineType { return EngineParallel }

func (a *ParallelAdapter) Execute(ctx context.Context, req *CoordinatedRequest, _ []recall.Result) (*EngineResponse, error) {
	taskType := req.TaskType
	if taskType == "" {
		taskType = "coordinated"
	}
	payload := req.Payload
	if len(payload) == 0 {
		// Keep distinct requests distinct under payload fingerprinting.
		payload, _ = json.Marshal(map[string]string{
			"request_id":  req.ID,
			"description": req.Description,
		})
	}

	id, err := a.engine.Submit(&taskqueue.Task{
		RequestID: req.ID,
		Type:      taskType,
		Payload:   payload,
	}, taskqueue.PriorityHigh)
	if err != nil {
		return nil, err
	}
	result, err := a.engine.AwaitResult(ctx, id, a.timeout)
	if err != nil {
		return nil, err
	}
	return &EngineResponse{Result: result, Confidence: 0.75}, nil
}

// CreativeAdapter feeds recalled context into candidate generation.
type CreativeAdapter struct {
	engine *creative.Engine
}

// NewCreativeAdapter wraps the creative engine.
func NewCreativeAdapter(engine *creative.Engine) *CreativeAdapter {
	return &CreativeAdapter{engine: engine}
}

func (a *CreativeAdapter) Type() EngineType { return EngineCreative }

func (a *CreativeAdapter) Execute(ctx context.Context, req *CoordinatedRequest, recalled []recall.Result) (*EngineResponse, error) {
	problem := req.Description
	if len(recalled) > 0 {
		var b strings.Builder
		b.WriteString(problem)
		b.WriteString("\nKnown context:\n")
		for i, r := range recalled {
			if i == 3 {
				break
			}
			b.WriteString("- ")
			b.WriteString(r.Entry.Content)
			b.WriteString("\n")
		}
		problem = b.String()
	}

	res, err := a.engine.Generate(ctx, problem, req.Constraints, req.InnovationLevel)
	if err != nil {
		return nil, err
	}
	confidence := 0.0
	if len(res.Candidates) > 0 {
		confidence = res.Candidates[0].Score
	}
	if res.PartialResult {
		confidence *= 0.5
	}
	return &EngineResponse{Result: res, Confidence: confidence}, nil
}

// rankedAnswers extracts multi-candidate entries for ranked-union synthesis.
// Single-answer responses return nil and compete on confidence instead.
func rankedAnswers(resp EngineResponse) []RankedAnswer {
	gr, ok := resp.Result.(*creative.GenerateResult)
	if !ok {
		return nil
	}
	out := make([]RankedAnswer, 0, len(gr.Candidates))
	for _, c := range gr.Candidates {
		out = append(out, RankedAnswer{Engine: resp.Engine, Content: c, Score: c.Score})
	}
	return out
}
