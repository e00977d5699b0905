package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/circuitbreaker"
	"github.com/revoagent/orchestrator/internal/metrics"
)

// Embedder produces an opaque numeric vector for a text. Implementations may
// be slow or fail; callers must tolerate both.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds embedding client configuration.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	MaxLRU  int
}

// Client calls a remote embedding service over HTTP with a local LRU cache
// and a circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	lru     *lruCache
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewClient creates an embedding client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		lru:     newLRUCache(cfg.MaxLRU),
		breaker: circuitbreaker.New("embeddings", circuitbreaker.DefaultSettings(), logger),
		logger:  logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.cfg.Model, text)
	if v, ok := c.lru.get(key); ok {
		metrics.EmbeddingRequests.WithLabelValues("lru_hit").Inc()
		return v, nil
	}

	var out []float32
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := c.fetch(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()
	c.lru.set(key, out)
	return out, nil
}

func (c *Client) fetch(ctx context.Context, text string) ([]float32, error) {
	url := fmt.Sprintf("%s/embeddings/", c.cfg.BaseURL)
	payload := embedRequest{Texts: []string{text}, Model: c.cfg.Model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding http status %d", resp.StatusCode)
	}
	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	out := make([]float32, len(er.Embeddings[0]))
	for i, f := range er.Embeddings[0] {
		out[i] = float32(f)
	}
	return out, nil
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}
