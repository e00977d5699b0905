package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Result is the outcome of one probe.
type Result struct {
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Manager fans health probes out across registered checkers.
type Manager struct {
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	checkers []Checker
}

// NewManager creates a health manager; timeout bounds each individual probe.
func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Manager{timeout: timeout, logger: logger}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Run probes every checker and returns per-dependency results.
func (m *Manager) Run(ctx context.Context) map[string]Result {
	m.mu.Lock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.Unlock()

	out := make(map[string]Result, len(checkers))
	var outMu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(probeCtx)
			res := Result{Healthy: err == nil, Elapsed: time.Since(start)}
			if err != nil {
				res.Error = err.Error()
				m.logger.Warn("Health check failed",
					zap.String("check", c.Name()), zap.Error(err))
			}
			outMu.Lock()
			out[c.Name()] = res
			outMu.Unlock()
		}(c)
	}
	wg.Wait()
	return out
}

// Handler serves aggregated health as JSON: 200 when every dependency is
// healthy, 503 otherwise.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := m.Run(r.Context())
		healthy := true
		for _, res := range results {
			if !res.Healthy {
				healthy = false
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy": healthy,
			"checks":  results,
		})
	}
}
