package recall

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/embeddings"
	"github.com/revoagent/orchestrator/internal/metrics"
)

var ErrStorageUnavailable = errors.New("memory storage unavailable")

// Entry is a stored memory. Immutable once stored, except for Score which is
// adjusted only through Reinforce.
type Entry struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Vector    []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Score     float64           `json:"score"`
}

// Filters narrows a recall query.
type Filters struct {
	Tags      map[string]string
	SessionID string
	Since     time.Time
	Until     time.Time
}

// Result is a recalled entry with its blended relevance.
type Result struct {
	Entry     Entry
	Relevance float64
}

// Config tunes the engine.
type Config struct {
	// SoftDeadline bounds the time spent computing query embeddings; past it
	// the engine degrades to lexical-only ranking instead of blocking.
	SoftDeadline time.Duration
	// SemanticBlend and ScoreBlend weight the blended relevance:
	// relevance = SemanticBlend*base + ScoreBlend*storedScore, where base is
	// cosine similarity when vectors exist, lexical overlap otherwise.
	SemanticBlend float64
	ScoreBlend    float64
	// RetentionTTL bounds entry lifetime; expired entries are dropped by
	// PurgeExpired, never deleted otherwise.
	RetentionTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.SoftDeadline == 0 {
		c.SoftDeadline = 100 * time.Millisecond
	}
	if c.SemanticBlend == 0 {
		c.SemanticBlend = 0.8
	}
	if c.ScoreBlend == 0 {
		c.ScoreBlend = 0.2
	}
	if c.RetentionTTL == 0 {
		c.RetentionTTL = 30 * 24 * time.Hour
	}
}

// Engine is the Perfect Recall memory subsystem: an in-memory index with an
// optional SQL archive and an optional embedder for semantic ranking.
// Recall failures degrade, they never abort callers.
type Engine struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	cfg      Config
	embedder embeddings.Embedder // nil means lexical-only
	archive  *Archive            // nil means memory-only
	logger   *zap.Logger
}

// New creates a recall engine. embedder and archive may be nil.
func New(cfg Config, embedder embeddings.Embedder, archive *Archive, logger *zap.Logger) *Engine {
	cfg.withDefaults()
	return &Engine{
		entries:  make(map[string]*Entry),
		cfg:      cfg,
		embedder: embedder,
		archive:  archive,
		logger:   logger,
	}
}

// WarmStart loads recent archived entries into the in-memory index.
func (e *Engine) WarmStart(ctx context.Context, limit int) error {
	if e.archive == nil {
		return nil
	}
	loaded, err := e.archive.LoadRecent(ctx, limit)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for i := range loaded {
		entry := loaded[i]
		if _, ok := e.entries[entry.ID]; !ok {
			e.entries[entry.ID] = &entry
		}
	}
	metrics.MemoryEntries.Set(float64(len(e.entries)))
	e.mu.Unlock()
	e.logger.Info("Recall engine warm-started", zap.Int("entries", len(loaded)))
	return nil
}

// Store persists content with metadata and returns the memory id. Embedding
// is best-effort within the soft deadline; a missing vector only means the
// entry ranks lexically. ErrStorageUnavailable is returned when a configured
// archive rejects the write; the entry still lives in memory.
func (e *Engine) Store(ctx context.Context, content string, metadata map[string]string, sessionID string) (string, error) {
	entry := &Entry{
		ID:        uuid.New().String(),
		Content:   content,
		Metadata:  metadata,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		Score:     0.5,
	}

	if e.embedder != nil {
		embedCtx, cancel := context.WithTimeout(ctx, e.cfg.SoftDeadline)
		vec, err := e.embedder.Embed(embedCtx, content)
		cancel()
		if err != nil {
			e.logger.Debug("Embedding unavailable at store time, entry will rank lexically",
				zap.String("memory_id", entry.ID), zap.Error(err))
		} else {
			entry.Vector = vec
		}
	}

	e.mu.Lock()
	e.entries[entry.ID] = entry
	metrics.MemoryEntries.Set(float64(len(e.entries)))
	e.mu.Unlock()

	if e.archive != nil {
		if err := e.archive.Insert(ctx, entry); err != nil {
			e.logger.Error("Memory archive write failed",
				zap.String("memory_id", entry.ID), zap.Error(err))
			return entry.ID, ErrStorageUnavailable
		}
	}
	return entry.ID, nil
}

// Recall returns up to limit entries ranked by blended relevance. Semantic
// ranking applies when the query embedding arrives within the soft deadline;
// otherwise results are lexical-only. An empty result is valid; callers must
// proceed without context.
func (e *Engine) Recall(ctx context.Context, query string, limit int, filters Filters) []Result {
	start := time.Now()
	defer func() { metrics.RecallLatency.Observe(time.Since(start).Seconds()) }()

	if limit <= 0 {
		limit = 10
	}

	var queryVec []float32
	mode := "lexical"
	if e.embedder != nil {
		embedCtx, cancel := context.WithTimeout(ctx, e.cfg.SoftDeadline)
		vec, err := e.embedder.Embed(embedCtx, query)
		cancel()
		if err != nil {
			e.logger.Debug("Query embedding failed, degrading to lexical ranking", zap.Error(err))
		} else {
			queryVec = vec
			mode = "semantic"
		}
	}
	metrics.RecallQueries.WithLabelValues(mode).Inc()

	queryTokens := tokenize(query)

	e.mu.RLock()
	candidates := make([]Result, 0, len(e.entries))
	for _, entry := range e.entries {
		if !matches(entry, filters) {
			continue
		}
		base := 0.0
		if queryVec != nil && entry.Vector != nil {
			base = cosine(queryVec, entry.Vector)
		} else {
			base = lexicalOverlap(queryTokens, tokenize(entry.Content))
		}
		if base <= 0 {
			continue
		}
		rel := e.cfg.SemanticBlend*base + e.cfg.ScoreBlend*entry.Score
		candidates = append(candidates, Result{Entry: *entry, Relevance: rel})
	}
	e.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Relevance != candidates[j].Relevance {
			return candidates[i].Relevance > candidates[j].Relevance
		}
		return candidates[i].Entry.CreatedAt.After(candidates[j].Entry.CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// Reinforce adjusts an entry's stored relevance score, clamped to [0,1].
// This is the only mutation allowed on a stored entry.
func (e *Engine) Reinforce(ctx context.Context, memoryID string, delta float64) error {
	e.mu.Lock()
	entry, ok := e.entries[memoryID]
	if !ok {
		e.mu.Unlock()
		return errors.New("unknown memory id")
	}
	entry.Score = clamp01(entry.Score + delta)
	score := entry.Score
	e.mu.Unlock()

	if e.archive != nil {
		if err := e.archive.UpdateScore(ctx, memoryID, score); err != nil {
			e.logger.Warn("Failed to persist reinforced score",
				zap.String("memory_id", memoryID), zap.Error(err))
		}
	}
	return nil
}

// PurgeExpired drops entries older than the retention TTL. It is the only
// deletion path.
func (e *Engine) PurgeExpired(ctx context.Context) int {
	cutoff := time.Now().Add(-e.cfg.RetentionTTL)
	e.mu.Lock()
	n := 0
	for id, entry := range e.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(e.entries, id)
			n++
		}
	}
	metrics.MemoryEntries.Set(float64(len(e.entries)))
	e.mu.Unlock()

	if e.archive != nil && n > 0 {
		if err := e.archive.PurgeBefore(ctx, cutoff); err != nil {
			e.logger.Warn("Archive purge failed", zap.Error(err))
		}
	}
	return n
}

// Size returns the number of in-memory entries.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

func matches(entry *Entry, f Filters) bool {
	if f.SessionID != "" && entry.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && entry.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.CreatedAt.After(f.Until) {
		return false
	}
	for k, v := range f.Tags {
		if entry.Metadata[k] != v {
			return false
		}
	}
	return true
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if len(tok) > 1 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// lexicalOverlap is the Jaccard similarity of two token sets.
func lexicalOverlap(a, b map[string]struct{}) float64 {
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
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
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
