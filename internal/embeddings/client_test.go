package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{
			Embeddings: [][]float64{{0.1, 0.2, 0.3}},
			Dimensions: 3,
			ModelUsed:  req.Model,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbedAndCacheHit(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	ctx := context.Background()

	v, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)

	_, err = c.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second call should hit the LRU")
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.Embed(context.Background(), "boom")
	assert.Error(t, err)
}

func TestLRUEviction(t *testing.T) {
	cache := newLRUCache(2)
	cache.set("a", []float32{1})
	cache.set("b", []float32{2})
	cache.set("c", []float32{3})

	_, ok := cache.get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = cache.get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.len())
}
