package creative

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/inference"
)

// stubInference answers by technique keyword found in the prompt, or fails
// for techniques listed in failFor.
type stubInference struct {
	calls   int
	failFor map[string]bool
	answer  func(prompt string) string
}

func (s *stubInference) Infer(_ context.Context, prompt string, _ inference.Params) (string, error) {
	s.calls++
	for directive := range s.failFor {
		if strings.Contains(prompt, directive) {
			return "", errors.New("inference unavailable")
		}
	}
	if s.answer != nil {
		return s.answer(prompt), nil
	}
	return "a concrete solution using caching and sharding", nil
}

func TestGenerateRankedCandidates(t *testing.T) {
	stub := &stubInference{}
	e := New(Config{}, stub, zap.NewNop())

	res, err := e.Generate(context.Background(), "scale the ingestion pipeline",
		[]string{"must reuse caching layer"}, 0.5)
	require.NoError(t, err)
	require.False(t, res.PartialResult)
	require.GreaterOrEqual(t, len(res.Candidates), 3)
	require.LessOrEqual(t, len(res.Candidates), 5)

	for i, c := range res.Candidates {
		assert.NotEmpty(t, c.ID)
		assert.NotEmpty(t, c.Technique)
		assert.GreaterOrEqual(t, c.Novelty, 0.0)
		assert.LessOrEqual(t, c.Novelty, 1.0)
		assert.GreaterOrEqual(t, c.Feasibility, 0.0)
		assert.LessOrEqual(t, c.Feasibility, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Candidates[i-1].Score, c.Score, "candidates must be ranked")
		}
	}
}

func TestGeneratePartialResult(t *testing.T) {
	// Only the analogy technique succeeds; the rest fail at inference.
	stub := &stubInference{failFor: map[string]bool{
		"Invert the problem":   true,
		"Combine two existing": true,
		"first principles":     true,
		"relax":                true,
	}}
	e := New(Config{MinCandidates: 3, MaxCandidates: 5}, stub, zap.NewNop())

	res, err := e.Generate(context.Background(), "design a cache eviction policy", nil, 0.8)
	require.NoError(t, err, "a degraded subset is an answer, not an error")
	assert.True(t, res.PartialResult)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "analogy", res.Candidates[0].Technique)
}

func TestGenerateAllFailed(t *testing.T) {
	stub := &stubInference{failFor: map[string]bool{"Problem:": true}}
	e := New(Config{}, stub, zap.NewNop())

	_, err := e.Generate(context.Background(), "anything", nil, 0.5)
	require.Error(t, err)
}

func TestLearnMovesTechniqueWeight(t *testing.T) {
	stub := &stubInference{}
	e := New(Config{}, stub, zap.NewNop())

	res, err := e.Generate(context.Background(), "optimize the scheduler", nil, 0.5)
	require.NoError(t, err)
	c := res.Candidates[0]

	before := e.TechniqueWeights()[c.Technique]
	require.NoError(t, e.Learn(c.ID, 1.0))
	after := e.TechniqueWeights()[c.Technique]

	assert.InDelta(t, 0.8*before+0.2*1.0, after, 1e-9)

	// Negative feedback clamps to 0 and pulls the weight down.
	require.NoError(t, e.Learn(c.ID, -3.0))
	assert.InDelta(t, 0.8*after, e.TechniqueWeights()[c.Technique], 1e-9)

	assert.ErrorIs(t, e.Learn("nonexistent", 0.5), ErrUnknownSolution)
}

func TestLearnedWeightBiasesOrdering(t *testing.T) {
	stub := &stubInference{}
	e := New(Config{MinCandidates: 1, MaxCandidates: 1}, stub, zap.NewNop())

	// Push inversion's weight above everything else; with MaxCandidates=1
	// the next generation should try inversion first.
	e.mu.Lock()
	e.weights["inversion"] = 0.95
	e.mu.Unlock()

	res, err := e.Generate(context.Background(), "reduce tail latency", nil, 0.5)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "inversion", res.Candidates[0].Technique)
}

func TestFeasibilityReflectsConstraintCoverage(t *testing.T) {
	stub := &stubInference{answer: func(prompt string) string {
		if strings.Contains(prompt, "analogy") {
			return "shard the index across replicated nodes honoring the budget"
		}
		return "an unrelated musing about gardening"
	}}
	e := New(Config{MinCandidates: 1, MaxCandidates: 2}, stub, zap.NewNop())

	res, err := e.Generate(context.Background(), "partition the search index",
		[]string{"stay within the replication budget"}, 0.5)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)

	var covering, offTopic *Candidate
	for i := range res.Candidates {
		if strings.Contains(res.Candidates[i].Content, "budget") {
			covering = &res.Candidates[i]
		} else {
			offTopic = &res.Candidates[i]
		}
	}
	require.NotNil(t, covering)
	require.NotNil(t, offTopic)
	assert.Greater(t, covering.Feasibility, offTopic.Feasibility)
}
