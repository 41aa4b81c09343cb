package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoOp(t *testing.T) {
	l := New(Config{Enabled: false, RequestsPerSecond: 0.001, BaseDelay: time.Hour, MaxDelay: time.Hour})

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	require.NoError(t, l.Backoff(context.Background(), 5))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitThrottles(t *testing.T) {
	l := New(Config{Enabled: true, RequestsPerSecond: 20, BaseDelay: time.Millisecond, MaxDelay: time.Second})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	l := New(Config{Enabled: true, RequestsPerSecond: 1000, BaseDelay: 5 * time.Millisecond, MaxDelay: 15 * time.Millisecond})

	start := time.Now()
	require.NoError(t, l.Backoff(context.Background(), 10)) // 5ms * 2^10 would be huge, must cap
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestBackoffCanceledContext(t *testing.T) {
	l := New(Config{Enabled: true, RequestsPerSecond: 1, BaseDelay: time.Second, MaxDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Backoff(ctx, 0)
	assert.Error(t, err)
}
