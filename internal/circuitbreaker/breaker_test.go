package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRemote = errors.New("remote failure")

func failing(context.Context) error { return errRemote }
func succeeding(context.Context) error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	s := DefaultSettings()
	s.FailureThreshold = 3
	b := New("test-trip", s, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, failing)
		require.ErrorIs(t, err, errRemote)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	s := DefaultSettings()
	s.FailureThreshold = 1
	s.SuccessThreshold = 2
	s.Timeout = 20 * time.Millisecond
	b := New("test-recover", s, zap.NewNop())

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding))
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	s := DefaultSettings()
	s.FailureThreshold = 1
	s.Timeout = 20 * time.Millisecond
	b := New("test-reopen", s, zap.NewNop())

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, failing))
	time.Sleep(30 * time.Millisecond)

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	s := DefaultSettings()
	s.FailureThreshold = 1
	s.MaxRequests = 1
	s.SuccessThreshold = 2
	s.Timeout = 10 * time.Millisecond
	b := New("test-probes", s, zap.NewNop())

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, failing))
	time.Sleep(20 * time.Millisecond)

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(context.Context) error { <-block; return nil })
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	err := b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(block)
	<-done
}
