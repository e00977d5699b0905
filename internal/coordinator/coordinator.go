package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/revoagent/orchestrator/internal/events"
	"github.com/revoagent/orchestrator/internal/metrics"
	"github.com/revoagent/orchestrator/internal/recall"
	"github.com/revoagent/orchestrator/internal/taskqueue"
	"github.com/revoagent/orchestrator/internal/workflow"
)

var (
	ErrRequiredEngineFailure = errors.New("required engine failed")
	ErrUnknownRequest        = errors.New("unknown request id")
	ErrNoEngines             = errors.New("no engines selected")
)

// EngineType identifies a specialized engine.
type EngineType string

const (
	EngineRecall   EngineType = "recall"
	EngineParallel EngineType = "parallel"
	EngineCreative EngineType = "creative"

	// EngineWorkflow tags responses produced by a decomposed task graph
	// rather than a registered engine adapter.
	EngineWorkflow EngineType = "workflow"
)

// State is the coordinated request lifecycle.
type State int

const (
	StateSubmitted State = iota
	StateClassifying
	StateDispatching
	StateAwaitingEngines
	StateSynthesizing
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateClassifying:
		return "classifying"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingEngines:
		return "awaiting_engines"
	case StateSynthesizing:
		return "synthesizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Complexity tiers drive engine selection and strategy.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
	ComplexityEnterprise
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "enterprise"
	}
}

// Strategy is how selected engines are scheduled. StrategyAuto (the zero
// value) means the coordinator infers one from the request's complexity.
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategySequential
	StrategyParallel
	StrategyAdaptive
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategySequential:
		return "sequential"
	case StrategyParallel:
		return "parallel"
	default:
		return "adaptive"
	}
}

// ParseStrategy maps a wire name to a Strategy. Empty means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "auto":
		return StrategyAuto, nil
	case "sequential":
		return StrategySequential, nil
	case "parallel":
		return StrategyParallel, nil
	case "adaptive":
		return StrategyAdaptive, nil
	default:
		return StrategyAuto, fmt.Errorf("unknown strategy %q", s)
	}
}

// CoordinatedRequest is one unit of multi-engine work.
type CoordinatedRequest struct {
	ID              string
	Description     string
	TaskType        string
	Payload         []byte
	SessionID       string
	Constraints     []string
	InnovationLevel float64

	// Engines overrides classification when non-empty.
	Engines []EngineType

	// Strategy overrides the inferred scheduling when not StrategyAuto.
	Strategy Strategy
}

// EngineResponse is one engine's contribution.
type EngineResponse struct {
	Engine     EngineType    `json:"engine"`
	Result     interface{}   `json:"result"`
	Confidence float64       `json:"confidence"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
}

// CoordinatedResult is the synthesized outcome. On failure the responses
// gathered before the failure are retained.
type CoordinatedResult struct {
	RequestID           string                        `json:"request_id"`
	State               State                         `json:"state"`
	Complexity          Complexity                    `json:"complexity"`
	Strategy            Strategy                      `json:"strategy"`
	Responses           map[EngineType]EngineResponse `json:"responses"`
	Answer              interface{}                   `json:"answer,omitempty"`
	ContributingEngines []EngineType                  `json:"contributing_engines,omitempty"`
	Error               string                        `json:"error,omitempty"`
	Elapsed             time.Duration                 `json:"elapsed"`
}

// Engine is the adapter every specialized engine implements for the
// coordinator. Recalled context may be nil when no recall ran first.
type Engine interface {
	Type() EngineType
	Execute(ctx context.Context, req *CoordinatedRequest, recalled []recall.Result) (*EngineResponse, error)
}

type requestState struct {
	state  State
	cancel context.CancelFunc
}

// Coordinator classifies requests, dispatches them across engines, and
// synthesizes a single result.
type Coordinator struct {
	engines   map[EngineType]Engine
	memory    *recall.Engine     // advisory context and store-back, may be nil
	queue     *taskqueue.Queue   // for cancellation propagation, may be nil
	workflows *workflow.Executor // decomposed execution for enterprise requests, may be nil
	events    *events.Manager
	logger    *zap.Logger

	mu       sync.Mutex
	requests map[string]*requestState
}

// New creates a coordinator over a dispatch table of engines.
func New(engines []Engine, memory *recall.Engine, queue *taskqueue.Queue, ev *events.Manager, logger *zap.Logger) (*Coordinator, error) {
	if len(engines) == 0 {
		return nil, ErrNoEngines
	}
	table := make(map[EngineType]Engine, len(engines))
	for _, e := range engines {
		if _, ok := table[e.Type()]; ok {
			return nil, fmt.Errorf("duplicate engine %s", e.Type())
		}
		table[e.Type()] = e
	}
	return &Coordinator{
		engines:  table,
		memory:   memory,
		queue:    queue,
		events:   ev,
		logger:   logger,
		requests: make(map[string]*requestState),
	}, nil
}

// AttachWorkflow enables decomposed task-graph execution for enterprise
// requests. Without one, enterprise requests run through the engine
// strategies like complex ones.
func (c *Coordinator) AttachWorkflow(exec *workflow.Executor) {
	c.workflows = exec
}

// Execute runs a request end to end and returns the synthesized result.
// A required engine failure yields ErrRequiredEngineFailure together with a
// Failed result retaining every response gathered so far.
func (c *Coordinator) Execute(ctx context.Context, req *CoordinatedRequest) (*CoordinatedResult, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	start := time.Now()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rs := &requestState{state: StateSubmitted, cancel: cancel}
	c.mu.Lock()
	c.requests[req.ID] = rs
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.requests, req.ID)
		c.mu.Unlock()
	}()

	c.transition(req.ID, rs, StateClassifying)
	complexity := Classify(req)
	selected, strategy := c.plan(req, complexity)
	metrics.RequestsSubmitted.WithLabelValues(strategy.String()).Inc()
	c.logger.Info("Coordinated request classified",
		zap.String("request_id", req.ID),
		zap.String("complexity", complexity.String()),
		zap.String("strategy", strategy.String()),
	)

	result := &CoordinatedResult{
		RequestID:  req.ID,
		Complexity: complexity,
		Strategy:   strategy,
		Responses:  make(map[EngineType]EngineResponse),
	}

	c.transition(req.ID, rs, StateDispatching)
	c.transition(req.ID, rs, StateAwaitingEngines)

	var runErr error
	if complexity == ComplexityEnterprise && c.workflows != nil {
		runErr = c.runWorkflow(reqCtx, req, result)
	} else {
		switch strategy {
		case StrategySequential:
			runErr = c.runSequential(reqCtx, req, selected, result)
		case StrategyParallel:
			runErr = c.runParallel(reqCtx, req, selected, nil, result)
		default:
			runErr = c.runAdaptive(reqCtx, req, selected, result)
		}
	}

	result.Elapsed = time.Since(start)

	if c.cancelled(req.ID) || reqCtx.Err() != nil && ctx.Err() == nil {
		result.State = StateCancelled
		c.finish(req.ID, rs, result, strategy, start)
		return result, context.Canceled
	}
	if runErr != nil {
		result.State = StateFailed
		result.Error = runErr.Error()
		c.finish(req.ID, rs, result, strategy, start)
		return result, runErr
	}

	c.transition(req.ID, rs, StateSynthesizing)
	result.Answer, result.ContributingEngines = synthesize(result.Responses)
	c.storeBack(reqCtx, req, result)

	result.State = StateCompleted
	c.finish(req.ID, rs, result, strategy, start)
	return result, nil
}

// Cancel aborts a request. Pending sub-tasks are cancelled; mid-flight engine
// work completes and is discarded.
func (c *Coordinator) Cancel(requestID string) error {
	c.mu.Lock()
	rs, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	rs.state = StateCancelled
	cancel := rs.cancel
	c.mu.Unlock()

	if c.queue != nil {
		c.queue.CancelByRequest(requestID)
	}
	cancel()
	c.logger.Info("Coordinated request cancelled", zap.String("request_id", requestID))
	return nil
}

// State returns the lifecycle state of an in-flight request.
func (c *Coordinator) State(requestID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.requests[requestID]
	if !ok {
		return 0, ErrUnknownRequest
	}
	return rs.state, nil
}

// plan selects engines and a strategy. An explicit engine set on the request
// overrides classification (unknown engine names are dropped), and an explicit
// strategy overrides the inferred one.
func (c *Coordinator) plan(req *CoordinatedRequest, complexity Complexity) ([]EngineType, Strategy) {
	var selected []EngineType
	var strategy Strategy
	if len(req.Engines) > 0 {
		selected = make([]EngineType, 0, len(req.Engines))
		for _, t := range req.Engines {
			if _, ok := c.engines[t]; ok {
				selected = append(selected, t)
			}
		}
		strategy = StrategySequential
		if len(selected) > 1 {
			strategy = StrategyParallel
		}
	} else {
		switch complexity {
		case ComplexitySimple:
			selected, strategy = c.available(EngineParallel), StrategySequential
		case ComplexityModerate:
			selected, strategy = c.available(EngineRecall, EngineParallel), StrategySequential
		default:
			selected, strategy = c.available(EngineRecall, EngineParallel, EngineCreative), StrategyAdaptive
		}
	}
	if req.Strategy != StrategyAuto {
		strategy = req.Strategy
	}
	return selected, strategy
}

func (c *Coordinator) available(types ...EngineType) []EngineType {
	out := make([]EngineType, 0, len(types))
	for _, t := range types {
		if _, ok := c.engines[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// runSequential executes engines in order, feeding recalled context forward.
// Recall is advisory: its failure is logged and swallowed.
func (c *Coordinator) runSequential(ctx context.Context, req *CoordinatedRequest, selected []EngineType, result *CoordinatedResult) error {
	var recalled []recall.Result
	for _, t := range selected {
		resp, err := c.invoke(ctx, t, req, recalled)
		if resp != nil {
			result.Responses[t] = *resp
		}
		if err != nil {
			if t == EngineRecall {
				c.logger.Warn("Advisory recall failed, proceeding without context",
					zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
			return fmt.Errorf("%w: %s: %v", ErrRequiredEngineFailure, t, err)
		}
		if t == EngineRecall && resp != nil {
			recalled, _ = resp.Result.([]recall.Result)
		}
	}
	return nil
}

// runParallel fans selected engines out concurrently and awaits them all.
func (c *Coordinator) runParallel(ctx context.Context, req *CoordinatedRequest, selected []EngineType, recalled []recall.Result, result *CoordinatedResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	var required error
	for _, t := range selected {
		t := t
		g.Go(func() error {
			resp, err := c.invoke(gctx, t, req, recalled)
			mu.Lock()
			defer mu.Unlock()
			if resp != nil {
				result.Responses[t] = *resp
			}
			if err != nil {
				if t == EngineRecall {
					c.logger.Warn("Advisory recall failed, proceeding without context",
						zap.String("request_id", req.ID), zap.Error(err))
					return nil
				}
				if required == nil {
					required = fmt.Errorf("%w: %s: %v", ErrRequiredEngineFailure, t, err)
				}
			}
			// Never abort the group: sibling responses are kept even when a
			// required engine fails.
			return nil
		})
	}
	_ = g.Wait()
	return required
}

// runAdaptive queries recall first, then fans the remaining engines out with
// the recalled context.
func (c *Coordinator) runAdaptive(ctx context.Context, req *CoordinatedRequest, selected []EngineType, result *CoordinatedResult) error {
	var recalled []recall.Result
	rest := make([]EngineType, 0, len(selected))
	for _, t := range selected {
		if t != EngineRecall {
			rest = append(rest, t)
			continue
		}
		resp, err := c.invoke(ctx, t, req, nil)
		if resp != nil {
			result.Responses[t] = *resp
		}
		if err != nil {
			c.logger.Warn("Advisory recall failed, proceeding without context",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		recalled, _ = resp.Result.([]recall.Result)
	}
	return c.runParallel(ctx, req, rest, recalled, result)
}

func (c *Coordinator) invoke(ctx context.Context, t EngineType, req *CoordinatedRequest, recalled []recall.Result) (*EngineResponse, error) {
	engine, ok := c.engines[t]
	if !ok {
		return nil, fmt.Errorf("engine %s not registered", t)
	}
	start := time.Now()
	resp, err := engine.Execute(ctx, req, recalled)
	elapsed := time.Since(start)
	metrics.EngineDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
	if err != nil {
		metrics.EngineRequests.WithLabelValues(string(t), "error").Inc()
		return &EngineResponse{Engine: t, Elapsed: elapsed, Error: err.Error()}, err
	}
	metrics.EngineRequests.WithLabelValues(string(t), "ok").Inc()
	resp.Engine = t
	resp.Elapsed = elapsed
	return resp, nil
}

// synthesize merges engine responses. Multi-candidate responses form a ranked
// union; otherwise the highest-confidence single answer wins. Contributing
// engines are every engine whose response carried a usable result.
func synthesize(responses map[EngineType]EngineResponse) (interface{}, []EngineType) {
	var contributing []EngineType
	var ranked []RankedAnswer
	var best, recallOnly *EngineResponse

	for t := range responses {
		resp := responses[t]
		if resp.Error != "" || resp.Result == nil {
			continue
		}
		contributing = append(contributing, t)
		if answers := rankedAnswers(resp); len(answers) > 0 {
			ranked = append(ranked, answers...)
			continue
		}
		// Recalled context is advisory; it becomes the answer only when no
		// other engine produced one.
		if t == EngineRecall {
			r := resp
			recallOnly = &r
			continue
		}
		if best == nil || resp.Confidence > best.Confidence {
			b := resp
			best = &b
		}
	}
	if best == nil && len(ranked) == 0 {
		best = recallOnly
	}
	sort.Slice(contributing, func(i, j int) bool { return contributing[i] < contributing[j] })

	if len(ranked) > 0 {
		if best != nil {
			ranked = append(ranked, RankedAnswer{
				Engine: best.Engine, Content: best.Result, Score: best.Confidence,
			})
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
		return ranked, contributing
	}
	if best != nil {
		return best.Result, contributing
	}
	return nil, contributing
}

// RankedAnswer is one entry of a ranked-union synthesis.
type RankedAnswer struct {
	Engine  EngineType  `json:"engine"`
	Content interface{} `json:"content"`
	Score   float64     `json:"score"`
}

// storeBack archives the synthesized answer for future recall, best effort.
func (c *Coordinator) storeBack(ctx context.Context, req *CoordinatedRequest, result *CoordinatedResult) {
	if c.memory == nil || result.Answer == nil {
		return
	}
	content := fmt.Sprintf("request: %s\nanswer: %v", req.Description, summarize(result.Answer))
	if _, err := c.memory.Store(ctx, content, map[string]string{"request_id": req.ID}, req.SessionID); err != nil {
		c.logger.Warn("Result store-back failed",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

func summarize(answer interface{}) string {
	s := fmt.Sprintf("%v", answer)
	if len(s) > 2000 {
		s = s[:2000]
	}
	return s
}

func (c *Coordinator) cancelled(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.requests[requestID]
	return ok && rs.state == StateCancelled
}

func (c *Coordinator) transition(requestID string, rs *requestState, next State) {
	c.mu.Lock()
	if rs.state.Terminal() {
		c.mu.Unlock()
		return
	}
	rs.state = next
	c.mu.Unlock()
	c.publish(requestID, next)
}

func (c *Coordinator) finish(requestID string, rs *requestState, result *CoordinatedResult, strategy Strategy, start time.Time) {
	c.mu.Lock()
	rs.state = result.State
	c.mu.Unlock()
	metrics.RequestsCompleted.WithLabelValues(strategy.String(), result.State.String()).Inc()
	metrics.RequestDuration.WithLabelValues(strategy.String()).Observe(time.Since(start).Seconds())
	c.publish(requestID, result.State)
	c.logger.Info("Coordinated request finished",
		zap.String("request_id", requestID),
		zap.String("state", result.State.String()),
		zap.Duration("elapsed", result.Elapsed),
	)
}

func (c *Coordinator) publish(requestID string, state State) {
	if c.events == nil {
		return
	}
	c.events.Publish(events.Event{
		Topic:   events.TopicEngines,
		Type:    "request_state_changed",
		Source:  requestID,
		Message: state.String(),
	})
}

// Classify derives a complexity tier from the request shape: long or
// multi-part descriptions, explicit constraints, and generative phrasing push
// the tier up.
func Classify(req *CoordinatedRequest) Complexity {
	score := 0
	desc := strings.ToLower(req.Description)

	words := len(strings.Fields(desc))
	switch {
	case words > 60:
		score += 2
	case words > 20:
		score++
	}
	if len(req.Payload) > 4096 {
		score++
	}
	switch {
	case len(req.Constraints) > 3:
		score += 2
	case len(req.Constraints) > 0:
		score++
	}
	for _, kw := range []string{"design", "novel", "brainstorm", "invent", "creative", "explore", "alternative"} {
		if strings.Contains(desc, kw) {
			score += 2
			break
		}
	}
	if req.InnovationLevel > 0.6 {
		score++
	}

	switch {
	case score >= 6:
		return ComplexityEnterprise
	case score >= 3:
		return ComplexityComplex
	case score >= 1:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}
