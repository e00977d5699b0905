package creative

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/inference"
	"github.com/revoagent/orchestrator/internal/metrics"
)

var ErrUnknownSolution = errors.New("unknown solution id")

type technique struct {
	name      string
	directive string
}

// Techniques the engine can apply, in canonical order. Each carries a prompt
// directive; selection is biased by the learned per-technique weight.
var techniques = []technique{
	{"analogy", "Solve it by drawing an analogy to a well-understood system from a different field."},
	{"inversion", "Invert the problem: describe what would guarantee failure, then negate it."},
	{"recombination", "Combine two existing approaches into a hybrid that keeps the strengths of both."},
	{"first_principles", "Discard convention and rebuild a solution from first principles."},
	{"constraint_relaxation", "Temporarily relax the most limiting constraint, solve, then reintroduce it."},
}

// Candidate is one generated solution with its score breakdown.
type Candidate struct {
	ID          string  `json:"id"`
	Technique   string  `json:"technique"`
	Content     string  `json:"content"`
	Novelty     float64 `json:"novelty"`
	Relevance   float64 `json:"relevance"`
	Feasibility float64 `json:"feasibility"`
	Score       float64 `json:"score"`
}

// GenerateResult carries ranked candidates. PartialResult is set when fewer
// than the minimum viable count were produced; that is a degraded answer, not
// an error.
type GenerateResult struct {
	Candidates    []Candidate `json:"candidates"`
	PartialResult bool        `json:"partial_result"`
}

// Config tunes generation and scoring.
type Config struct {
	MinCandidates int // default 3
	MaxCandidates int // default 5

	// Scoring weights; defaults 0.3 novelty, 0.3 relevance, 0.4 feasibility.
	NoveltyWeight     float64
	RelevanceWeight   float64
	FeasibilityWeight float64

	// LearnRate is the EMA step applied by Learn; default 0.2.
	LearnRate float64
}

func (c *Config) withDefaults() {
	if c.MinCandidates <= 0 {
		c.MinCandidates = 3
	}
	if c.MaxCandidates < c.MinCandidates {
		c.MaxCandidates = 5
	}
	if c.MaxCandidates > len(techniques) {
		c.MaxCandidates = len(techniques)
	}
	if c.NoveltyWeight == 0 && c.RelevanceWeight == 0 && c.FeasibilityWeight == 0 {
		c.NoveltyWeight = 0.3
		c.RelevanceWeight = 0.3
		c.FeasibilityWeight = 0.4
	}
	if c.LearnRate == 0 {
		c.LearnRate = 0.2
	}
}

// Engine generates candidate solutions through the inference client and
// learns which techniques work from feedback.
type Engine struct {
	cfg       Config
	inference inference.Client
	logger    *zap.Logger

	mu        sync.Mutex
	weights   map[string]float64 // technique -> learned EMA weight
	solutions map[string]string  // candidate id -> technique, for Learn
}

// New creates a creative engine. All technique weights start neutral at 0.5.
func New(cfg Config, client inference.Client, logger *zap.Logger) *Engine {
	cfg.withDefaults()
	w := make(map[string]float64, len(techniques))
	for _, t := range techniques {
		w[t.name] = 0.5
	}
	return &Engine{
		cfg:       cfg,
		inference: client,
		logger:    logger,
		weights:   w,
		solutions: make(map[string]string),
	}
}

// Generate produces ranked candidates for a problem. Techniques are tried in
// learned-weight order; each candidate comes from one inference call with a
// distinct seed so repeated requests stay deterministic. Individual inference
// failures skip the technique; an error is returned only when every call
// failed.
func (e *Engine) Generate(ctx context.Context, problem string, constraints []string, innovationLevel float64) (*GenerateResult, error) {
	innovationLevel = clamp01(innovationLevel)
	ordered := e.rankedTechniques()

	params := inference.Params{
		MaxTokens: 512,
		// Higher innovation asks for more exploratory completions.
		Temperature: 0.3 + 0.7*innovationLevel,
	}

	var lastErr error
	candidates := make([]Candidate, 0, e.cfg.MaxCandidates)
	for i, tech := range ordered {
		if len(candidates) >= e.cfg.MaxCandidates {
			break
		}
		params.Seed = i + 1
		text, err := e.inference.Infer(ctx, buildPrompt(problem, constraints, tech.directive), params)
		if err != nil {
			lastErr = err
			e.logger.Warn("Candidate generation failed for technique",
				zap.String("technique", tech.name), zap.Error(err))
			continue
		}
		c := e.scoreCandidate(tech.name, text, problem, constraints, innovationLevel)
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("generate candidates: %w", lastErr)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	e.mu.Lock()
	for _, c := range candidates {
		e.solutions[c.ID] = c.Technique
	}
	e.mu.Unlock()

	metrics.CandidatesGenerated.Add(float64(len(candidates)))
	return &GenerateResult{
		Candidates:    candidates,
		PartialResult: len(candidates) < e.cfg.MinCandidates,
	}, nil
}

// Learn feeds outcome quality back into the generating technique's weight:
// new = (1-rate)*old + rate*feedback, with feedback clamped to [0,1].
func (e *Engine) Learn(solutionID string, feedback float64) error {
	feedback = clamp01(feedback)

	e.mu.Lock()
	defer e.mu.Unlock()
	tech, ok := e.solutions[solutionID]
	if !ok {
		return ErrUnknownSolution
	}
	old := e.weights[tech]
	e.weights[tech] = (1-e.cfg.LearnRate)*old + e.cfg.LearnRate*feedback
	metrics.CreativeFeedback.Inc()
	e.logger.Debug("Technique weight updated",
		zap.String("technique", tech),
		zap.Float64("old", old),
		zap.Float64("new", e.weights[tech]),
	)
	return nil
}

// TechniqueWeights returns a copy of the learned weights.
func (e *Engine) TechniqueWeights() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

// rankedTechniques orders techniques by learned weight, canonical order on
// ties, so better-performing techniques are tried first.
func (e *Engine) rankedTechniques() []technique {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]technique, len(techniques))
	copy(out, techniques)
	rank := func(name string) int {
		for i, t := range techniques {
			if t.name == name {
				return i
			}
		}
		return len(techniques)
	}
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := e.weights[out[i].name], e.weights[out[j].name]
		if wi != wj {
			return wi > wj
		}
		return rank(out[i].name) < rank(out[j].name)
	})
	return out
}

func buildPrompt(problem string, constraints []string, directive string) string {
	var b strings.Builder
	b.WriteString("Problem: ")
	b.WriteString(problem)
	b.WriteString("\n")
	if len(constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range constraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	b.WriteString("Approach: ")
	b.WriteString(directive)
	b.WriteString("\nPropose one concrete solution.")
	return b.String()
}

// scoreCandidate derives the score breakdown from lexical structure and the
// technique's learned weight. Novelty rewards content that departs from the
// problem statement, relevance rewards staying on topic, feasibility blends
// constraint coverage with how well the technique has performed historically.
func (e *Engine) scoreCandidate(technique, text, problem string, constraints []string, innovationLevel float64) Candidate {
	candTokens := tokenSet(text)
	probTokens := tokenSet(problem)

	relevance := overlap(candTokens, probTokens)
	novelty := clamp01((1 - relevance) * (0.5 + 0.5*innovationLevel))

	coverage := 1.0
	if len(constraints) > 0 {
		covered := 0
		for _, c := range constraints {
			if overlap(candTokens, tokenSet(c)) > 0 {
				covered++
			}
		}
		coverage = float64(covered) / float64(len(constraints))
	}
	e.mu.Lock()
	weight := e.weights[technique]
	e.mu.Unlock()
	feasibility := clamp01(0.5*coverage + 0.5*weight)

	return Candidate{
		ID:          uuid.New().String(),
		Technique:   technique,
		Content:     text,
		Novelty:     novelty,
		Relevance:   relevance,
		Feasibility: feasibility,
		Score: e.cfg.NoveltyWeight*novelty +
			e.cfg.RelevanceWeight*relevance +
			e.cfg.FeasibilityWeight*feasibility,
	}
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if len(tok) > 1 {
			out[tok] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
