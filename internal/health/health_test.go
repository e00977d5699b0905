package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunAggregatesCheckers(t *testing.T) {
	m := NewManager(time.Second, zap.NewNop())
	m.Register(CheckFunc{CheckName: "redis", Fn: func(context.Context) error { return nil }})
	m.Register(CheckFunc{CheckName: "archive", Fn: func(context.Context) error { return errors.New("connection refused") }})

	results := m.Run(context.Background())
	require.Len(t, results, 2)
	assert.True(t, results["redis"].Healthy)
	assert.False(t, results["archive"].Healthy)
	assert.Contains(t, results["archive"].Error, "connection refused")
}

func TestCheckTimeout(t *testing.T) {
	m := NewManager(20*time.Millisecond, zap.NewNop())
	m.Register(CheckFunc{CheckName: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	results := m.Run(context.Background())
	assert.False(t, results["slow"].Healthy)
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewManager(time.Second, zap.NewNop())
	m.Register(CheckFunc{CheckName: "ok", Fn: func(context.Context) error { return nil }})

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)

	m.Register(CheckFunc{CheckName: "bad", Fn: func(context.Context) error { return errors.New("down") }})
	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
