package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/revoagent/orchestrator/internal/circuitbreaker"
	"github.com/revoagent/orchestrator/internal/metrics"
)

// Params tunes a single completion call.
type Params struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Seed        int     `json:"seed,omitempty"`
}

// Client generates a completion for a prompt. The transport, model, and wire
// format are opaque to the orchestration core; calls may be slow or fail.
type Client interface {
	Infer(ctx context.Context, prompt string, params Params) (string, error)
}

// Config holds inference client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	RateBurst  int
}

// HTTPClient is the default Client backed by a remote completion service,
// rate limited and circuit-breaker guarded.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewHTTPClient creates an inference client.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		breaker: circuitbreaker.New("inference", circuitbreaker.DefaultSettings(), logger),
		logger:  logger,
	}
}

type inferRequest struct {
	Prompt string `json:"prompt"`
	Params Params `json:"params"`
}

type inferResponse struct {
	Text string `json:"text"`
}

// Infer requests a completion, honoring the rate limiter and breaker.
func (c *HTTPClient) Infer(ctx context.Context, prompt string, params Params) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("inference rate wait: %w", err)
	}

	start := time.Now()
	var out string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		text, err := c.fetch(ctx, prompt, params)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		metrics.InferenceRequests.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.InferenceRequests.WithLabelValues("ok").Inc()
	c.logger.Debug("Inference call completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("prompt_len", len(prompt)),
	)
	return out, nil
}

func (c *HTTPClient) fetch(ctx context.Context, prompt string, params Params) (string, error) {
	url := fmt.Sprintf("%s/completions/", c.cfg.BaseURL)
	buf, _ := json.Marshal(inferRequest{Prompt: prompt, Params: params})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference http status %d", resp.StatusCode)
	}
	var ir inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return "", err
	}
	return ir.Text, nil
}
